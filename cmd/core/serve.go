package main

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tempo/backend/cmd/desktop/handlers"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon with its local REST and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			addr := s.Config.ListenAddr
			if opts.Addr != "" {
				addr = opts.Addr
			}

			mux := http.NewServeMux()
			handlers.Register(mux, s.App)
			return s.Serve(cmd.Context(), addr, mux, opts.configPath())
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides listen_addr)")

	return cmd
}
