package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nano-cb-go/api"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve generation over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadPipeline(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		intro := p.GetModelIntrospection()
		logrus.Infof("serving %s backend (paged attention: %v)", intro.Backend, intro.HasPagedAttention)
		return api.NewServer(p).Serve(cmd.Context(), listenAddr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", ":8080", "Listen address")
	rootCmd.AddCommand(serveCmd)
}
