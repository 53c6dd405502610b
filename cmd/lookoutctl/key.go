package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/lookout/internal/incident"
)

type keyResult struct {
	Location  string `json:"location"`
	Crime     string `json:"crime"`
	Bucket    string `json:"bucket"`
	Partition string `json:"partition"`
	Key       string `json:"key"`
}

func newKeyCmd() *cobra.Command {
	var (
		location    string
		crime       string
		at          string
		granularity string
	)
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the dedup key and partition for an incident",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := incident.Crime(crime)
			if !c.Valid() {
				return fmt.Errorf("unknown crime %q (want one of %v)", crime, incident.Crimes())
			}
			g, err := incident.ParseGranularity(granularity)
			if err != nil {
				return err
			}
			t := time.Now()
			if at != "" {
				if t, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(keyResult{
				Location:  incident.NormalizeLocation(location),
				Crime:     string(c),
				Bucket:    g.Bucket(t),
				Partition: incident.PartitionKey(t),
				Key:       incident.DeriveKey(location, c, t, g),
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&location, "location", "", "incident location (required)")
	f.StringVar(&crime, "crime", "", "incident crime type (required)")
	f.StringVar(&at, "at", "", "RFC 3339 time the report was received (default now)")
	f.StringVar(&granularity, "granularity", string(incident.GranularityDay), "dedup time bucket: second|minute|hour|day|month")

	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("crime")
	return cmd
}
