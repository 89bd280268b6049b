package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	heroes "github.com/heroes-app/heroes/sdk/golang"
)

// getClient creates a backend client from the resolved config.
func getClient(cfg *Config) (*heroes.Client, error) {
	if cfg.Default.Token == "" {
		return nil, errors.New("no token. Run 'heroes init <token> --user <id>' first")
	}
	var opts []heroes.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, heroes.WithBaseURL(cfg.Default.BaseURL))
	}
	return heroes.NewClient(cfg.Default.Token, opts...), nil
}

type closer func() error

// openStore opens the offline queue's key-value store.
func openStore(ctx context.Context, cfg *Config) (heroes.KVStore, closer, error) {
	switch cfg.Storage.Driver {
	case "", "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "queue.db")
		}
		kv, err := heroes.OpenSQLiteKV(path)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	case "redis":
		addr := cfg.Storage.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", addr, err)
		}
		prefix := cfg.Storage.RedisPrefix
		if prefix == "" {
			prefix = cfg.Default.UserID + ":"
		}
		kv := heroes.NewRedisKV(rdb, prefix)
		return kv, kv.Close, nil
	case "memory":
		return heroes.NewMemoryKV(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

// openSession builds a session over the configured backend and store and
// loads the user's requests. The returned func releases everything.
func openSession(ctx context.Context, offline bool) (*heroes.Session, func(), error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Default.UserID == "" {
		return nil, nil, errors.New("no user id. Run 'heroes init <token> --user <id>' first")
	}
	client, err := getClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	role := heroes.Role(valueOrDefault(cfg.Default.Role, string(heroes.RoleRequester)))
	sess, err := heroes.NewSession(ctx, client, cfg.Default.UserID, role, &heroes.SessionOptions{
		Store:         store,
		FlushInterval: -1,
	})
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	cleanup := func() {
		_ = sess.Close()
		_ = client.Close()
		_ = closeStore()
	}

	if offline {
		sess.SetOnline(false)
		return sess, cleanup, nil
	}
	if err := sess.Requests.Load(ctx, cfg.Default.UserID, role); err != nil {
		cleanup()
		return nil, nil, err
	}
	return sess, cleanup, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// userError renders a classified failure the way the app would show it.
func userError(err error) error {
	if err == nil {
		return nil
	}
	c := heroes.Classify(err)
	return fmt.Errorf("%s [%s]", c.Message, c.Category)
}
