package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/baderanaas/firestbreak/pkg/api"
	"github.com/baderanaas/firestbreak/pkg/cli"
	"github.com/baderanaas/firestbreak/pkg/config"
	"github.com/baderanaas/firestbreak/pkg/gesture"
	"github.com/baderanaas/firestbreak/pkg/libp2p"
	"github.com/baderanaas/firestbreak/pkg/profile"
	"github.com/baderanaas/firestbreak/pkg/session"
	"github.com/baderanaas/firestbreak/pkg/storage"
)

const profileFileName = "profile.yaml"

var log = logging.Logger("firestbreak")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a node",
	Long: `Start a node: advertise the local profile, discover nearby peers and
exchange profiles with them.

Edit <data-dir>/profile.yaml while the node runs to change your profile.

Examples:
  firestbreak run
  firestbreak run --headless --http 127.0.0.1:7420
  firestbreak run --port 4001 --auto-accept`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(dataDir)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.ListenPort, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("http") {
			cfg.HTTPAddr, _ = cmd.Flags().GetString("http")
		}
		if cmd.Flags().Changed("auto-accept") {
			cfg.AutoAccept, _ = cmd.Flags().GetBool("auto-accept")
		}
		headless, _ := cmd.Flags().GetBool("headless")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg, headless)
	},
}

func init() {
	runCmd.Flags().Int("port", 0, "listen port (random if not set)")
	runCmd.Flags().String("http", "", "control API address, empty to disable")
	runCmd.Flags().Bool("auto-accept", false, "accept invitations automatically")
	runCmd.Flags().Bool("headless", false, "no interactive prompt")
}

func runNode(ctx context.Context, cfg config.Config, headless bool) error {
	if err := logging.SetLogLevelRegex("firestbreak.*", cfg.Log.Level); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}

	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer db.Close()

	token, err := db.DeviceToken()
	if err != nil {
		return err
	}
	profilePath := filepath.Join(cfg.DataDir, profileFileName)
	local, err := loadLocalProfile(db, profilePath, cfg.DisplayName)
	if err != nil {
		return err
	}

	node, err := libp2p.NewNode(libp2p.Options{
		DataDir:        cfg.DataDir,
		Port:           cfg.ListenPort,
		Service:        cfg.Service,
		Passphrase:     cfg.Passphrase,
		Bootstrap:      cfg.Bootstrap,
		AdvertInterval: cfg.Timing.AdvertInterval,
		AdvertTTL:      cfg.Timing.AdvertTTL,
	})
	if err != nil {
		return err
	}
	defer node.Close()

	t := cfg.Timing
	mgr := session.New(session.Config{
		DeviceToken:     token,
		AutoAccept:      cfg.AutoAccept,
		InviteTimeout:   t.InviteTimeout,
		HealthInterval:  t.HealthInterval,
		RestartCooldown: t.RestartCooldown,
		ConnectSettle:   t.ConnectSettle,
		ProfileSettle:   t.ProfileSettle,
		ResetDelay:      t.ResetDelay,
	}, profile.NewStore(local), node, node, session.WithPersistence(db))
	defer mgr.Close()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	gestures := gesture.NewMapper(mgr, t.GestureDuration)
	defer gestures.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return profile.Watch(ctx, profilePath, func(p profile.UserProfile) {
			current := mgr.Profile()
			p.Avatar = current.Avatar
			p.Gestures = current.Gestures
			if err := mgr.UpdateProfile(p); err != nil {
				log.Warnf("apply edited profile: %v", err)
			}
		})
	})

	if cfg.HTTPAddr != "" {
		handler := api.NewHandler(api.Deps{Session: mgr, Gestures: gestures, Network: node})
		g.Go(func() error { return api.Serve(ctx, cfg.HTTPAddr, handler) })
	}

	if headless {
		log.Infof("node %s running headless", node.ID())
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	} else {
		dial := func(ctx context.Context, addr string) (string, error) {
			id, err := node.ConnectAddr(ctx, addr)
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
		repl := cli.New(mgr, gestures, dial, node.Addrs(), os.Stdout)
		g.Go(func() error {
			// leaving the prompt stops the node
			defer cancel()
			err := repl.Run(ctx, os.Stdin)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}

// loadLocalProfile returns the last profile the node applied, else the
// editable profile file, else a fresh default. The file is created when
// missing so the user has something to edit.
func loadLocalProfile(db *storage.DB, path, displayName string) (profile.UserProfile, error) {
	var p profile.UserProfile
	data, ok, err := db.LocalProfile()
	switch {
	case err != nil:
		return p, fmt.Errorf("read saved profile: %w", err)
	case ok:
		if p, err = profile.Decode(data); err == nil {
			break
		}
		log.Warnf("discarding saved profile: %v", err)
		ok = false
	}

	if !ok {
		p, err = profile.LoadFile(path)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			p = profile.Default(displayName)
		default:
			return p, err
		}
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := profile.SaveFile(path, p); err != nil {
			log.Warnf("write %s: %v", path, err)
		}
	}
	return p, nil
}
