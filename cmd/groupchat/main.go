// groupchat is the real-time group chat gateway.
//
// Commands:
//
//	groupchat [serve] [--config path]       run the gateway
//	groupchat token --user ID [--ttl 1h]     mint a development token
//	groupchat member --group G --event E --user U [--user V] [--remove]
//	                                         provision group membership
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"groupchat/internal/app"
	"groupchat/internal/auth"
	"groupchat/internal/config"
	"groupchat/internal/database"
	"groupchat/internal/logging"
	pkgdatabase "groupchat/pkg/database"
	"groupchat/pkg/interfaces"
	"groupchat/pkg/types"
)

const configEnvVar = "GROUPCHAT_CONFIG_FILE"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		return serve(args)
	case "token":
		return token(args, out)
	case "member":
		return member(args, out)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := flagSet.String("config", os.Getenv(configEnvVar), "path to a JSON config file")
	return flagSet, configPath
}

// serve runs the gateway until SIGINT or SIGTERM.
func serve(args []string) error {
	flagSet, configPath := newFlagSet("serve")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal, shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// token prints a signed token for local testing.
func token(args []string, out io.Writer) error {
	flagSet, configPath := newFlagSet("token")
	userID := flagSet.String("user", "", "user id placed in the sub claim")
	username := flagSet.String("username", "", "display name")
	ttl := flagSet.Duration("ttl", time.Hour, "token lifetime")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if !types.IsValidID(*userID) {
		return fmt.Errorf("--user: %w", types.ErrInvalidID)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	signed, err := auth.Sign(cfg.Auth.JWTSecret, *userID, *ttl, func(c *auth.Claims) {
		c.Username = *username
		c.Issuer = cfg.Auth.Issuer
		if cfg.Auth.Audience != "" {
			c.Audience = jwt.ClaimStrings{cfg.Auth.Audience}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	_, err = fmt.Fprintln(out, signed)
	return err
}

// member creates the group when needed and adds or removes members.
func member(args []string, out io.Writer) error {
	flagSet, configPath := newFlagSet("member")
	groupID := flagSet.String("group", "", "group id")
	eventID := flagSet.String("event", "", "event the group belongs to")
	name := flagSet.String("name", "", "group display name")
	users := flagSet.StringSlice("user", nil, "user ids (repeatable)")
	remove := flagSet.Bool("remove", false, "remove the users instead of adding them")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *groupID == "" || len(*users) == 0 {
		return errors.New("--group and at least one --user are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	store, err := database.NewManager(dbConfig, zap.NewNop())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
	defer cancel()

	if *remove {
		if _, err := store.GetGroup(ctx, *groupID); err != nil {
			return fmt.Errorf("group %s: %w", *groupID, err)
		}
	} else {
		if *eventID == "" {
			return errors.New("--event is required when adding members")
		}
		err := store.CreateGroup(ctx, &types.Group{ID: *groupID, EventID: *eventID, Name: lo.CoalesceOrEmpty(*name, *groupID)})
		switch {
		case errors.Is(err, interfaces.ErrGroupExists):
			existing, err := store.GetGroup(ctx, *groupID)
			if err != nil {
				return fmt.Errorf("group %s: %w", *groupID, err)
			}
			if existing.EventID != *eventID {
				return fmt.Errorf("group %s belongs to event %s", *groupID, existing.EventID)
			}
		case err != nil:
			return fmt.Errorf("failed to create group: %w", err)
		}
	}

	for _, u := range *users {
		if *remove {
			err = store.RemoveMember(ctx, *groupID, u)
		} else {
			err = store.AddMember(ctx, *groupID, u, cfg.Membership.MaxGroupSize)
		}
		if err != nil {
			return fmt.Errorf("user %s: %w", u, err)
		}
	}

	verb := "added to"
	if *remove {
		verb = "removed from"
	}
	_, err = fmt.Fprintf(out, "%d user(s) %s %s\n", len(*users), verb, *groupID)
	return err
}
