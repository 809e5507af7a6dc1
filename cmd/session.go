package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"vmslink/internal/config"
	"vmslink/internal/session"
)

// openSession connects and logs in with the configured server and
// credentials. The caller closes the session.
func openSession(ctx context.Context) (*session.Session, config.Options, error) {
	opts, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, opts, err
	}
	if opts.Server == "" {
		return nil, opts, errors.New("no server configured; run 'vmslink login --server ...' or pass --server")
	}

	s := session.New(opts.Session(), logger)
	if _, err := s.Connect(ctx); err != nil {
		return nil, opts, err
	}
	pass := password
	if pass == "" {
		pass = viper.GetString("password")
	}
	if err := s.Login(ctx, opts.Username, pass); err != nil {
		s.Close(context.Background())
		return nil, opts, err
	}
	return s, opts, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}
