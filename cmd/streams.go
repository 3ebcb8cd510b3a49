package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/enrich/internal/streams"
)

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "Manage stream definitions in the store",
}

var streamsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stream names",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		names, err := db.StreamRepository().List(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var streamsGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Print a stream definition as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		def, err := db.StreamRepository().Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		data, err := streams.EncodeYAML(def)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var streamsPutFile string

var streamsPutCmd = &cobra.Command{
	Use:   "put -f FILE",
	Short: "Create or replace a stream definition from a YAML file",
	Long: `Create or replace a stream definition from a YAML file.

Example file:
  stream:
    name: logs.nginx
    ingest:
      processing:
        - grok:
            field: message
            patterns: ["%{IP:client.ip} %{WORD:http.method}"]
      wired:
        fields:
          client.ip: {type: ip}`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		def, err := streams.LoadFile(streamsPutFile)
		if err != nil {
			return err
		}

		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		saved, err := db.StreamRepository().Put(cmd.Context(), def)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d processors)\n",
			saved.Stream.Name, len(saved.Stream.Ingest.Processing))
		return nil
	},
}

func init() {
	streamsPutCmd.Flags().StringVarP(&streamsPutFile, "file", "f", "", "definition file (YAML)")
	_ = streamsPutCmd.MarkFlagRequired("file")

	streamsCmd.AddCommand(streamsListCmd, streamsGetCmd, streamsPutCmd)
	rootCmd.AddCommand(streamsCmd)
}
