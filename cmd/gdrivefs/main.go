// Command gdrivefs mounts a remote Drive account as a POSIX filesystem.
// It owns everything the core filesystem library treats as an external
// collaborator: OAuth token acquisition, TOML configuration loading, CLI
// argument parsing, process lifecycle/signal handling and logging setup.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/jstaf/gdrivefs/drive"
	gdfs "github.com/jstaf/gdrivefs/fs"
)

func usage() {
	fmt.Printf(`gdrivefs - mount a Drive account as a Linux filesystem.

Usage:
  gdrivefs login <session>
  gdrivefs logout <session>
  gdrivefs list
  gdrivefs mount --session <name> <mountpoint>

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	configDir := flag.StringP("config-dir", "c", DefaultConfigDir(),
		"Directory holding every session's configuration and token file.")
	session := flag.StringP("session", "s", "", "Session name to operate on.")
	debug := flag.BoolP("debug", "d", false, "Enable FUSE debug logging.")
	help := flag.BoolP("help", "h", false, "Displays this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help || len(flag.Args()) == 0 {
		flag.Usage()
		os.Exit(0)
	}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "login":
		err = requireArg(1, "login requires a session name", func(name string) error {
			return loginCmd(*configDir, name)
		})
	case "logout":
		err = requireArg(1, "logout requires a session name", func(name string) error {
			return logoutCmd(*configDir, name)
		})
	case "list":
		var sessions []string
		sessions, err = listCmd(*configDir)
		for _, s := range sessions {
			fmt.Println(s)
		}
	case "mount":
		if *session == "" {
			err = fmt.Errorf("mount requires --session <name>")
			break
		}
		if len(flag.Args()) < 2 {
			err = fmt.Errorf("mount requires a mountpoint argument")
			break
		}
		err = mountCmd(*configDir, *session, flag.Arg(1), *debug)
	default:
		flag.Usage()
		fmt.Fprintf(os.Stderr, "\nUnknown command %q.\n", cmd)
		os.Exit(1)
	}

	if err != nil {
		log.Error().Err(err).Msg("Command failed.")
		os.Exit(1)
	}
}

func requireArg(index int, msg string, f func(string) error) error {
	if len(flag.Args()) <= index {
		return fmt.Errorf(msg)
	}
	return f(flag.Arg(index))
}

// mountCmd implements "mount --session <name> <mountpoint>": load config,
// resolve the token, construct the core, mount.
func mountCmd(configDir, session, mountpoint string, debugFlag bool) error {
	cfg, err := LoadConfig(configDir, session)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Debug || debugFlag {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	auth := &drive.Auth{}
	if err := auth.FromFile(tokenPath(configDir, session)); err != nil {
		return fmt.Errorf("resolving token: %w", err)
	}

	st, err := os.Stat(mountpoint)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("mountpoint %q does not exist or is not a directory", mountpoint)
	}

	if cfg.MountCheck {
		if err := gdfs.MountNullFs(mountpoint); err != nil {
			return fmt.Errorf("mount pre-flight check failed: %w", err)
		}
	}

	facade := drive.NewDriveFacade(auth, cfg.cacheTTL(), cfg.CacheMaxItems)
	manager := gdfs.NewFileManager(facade, gdfs.Config{
		AddExtensionsToSpecialFiles: cfg.AddExtensionsToSpecialFiles,
		RenameIdenticalFiles:        cfg.RenameIdenticalFiles,
		SyncInterval:                cfg.syncInterval(),
	})
	log.Info().Str("session", session).Msg("Populating file tree from remote account.")
	if err := manager.Populate(); err != nil {
		return fmt.Errorf("populating file tree: %w", err)
	}

	server, err := gdfs.Mount(mountpoint, manager, gdfs.MountOptions{
		ReadOnly:       cfg.ReadOnly,
		SkipTrash:      cfg.SkipTrash,
		Debug:          cfg.Debug || debugFlag,
		FuseOptions:    cfg.MountOptions,
		StatfsCacheTTL: cfg.statfsCacheTTL(),
	})
	if err != nil {
		return fmt.Errorf("mount failed (is the mountpoint already in use?): %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go gdfs.UnmountHandler(sigChan, server)

	log.Info().Str("mountpoint", mountpoint).Msg("Serving filesystem.")
	server.Wait()
	return nil
}
