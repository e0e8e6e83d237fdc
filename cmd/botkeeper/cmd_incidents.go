package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/willway/botkeeper/internal/incident"
	"github.com/willway/botkeeper/internal/store"
)

var (
	incidentsLimit int
	incidentsBot   string

	incidentsCmd = &cobra.Command{
		Use:   "incidents",
		Short: "Show the most recent security incidents",
		Args:  cobra.NoArgs,
		RunE:  runIncidents,
	}
)

func init() {
	incidentsCmd.Flags().IntVarP(&incidentsLimit, "limit", "n", 10, "number of incidents to show")
	incidentsCmd.Flags().StringVar(&incidentsBot, "bot", "", "only show incidents of this bot")
}

func runIncidents(cmd *cobra.Command, args []string) error {
	st := current.settings

	// 配置了历史库时优先从库里查，支持按 bot 过滤
	if st.StateDB != "" {
		db, err := store.Open(st.StateDB)
		if err != nil {
			return err
		}
		defer db.Close()
		records, err := db.ListIncidents(cmd.Context(), incidentsBot, incidentsLimit)
		if err != nil {
			return err
		}
		// 库里是新的在前，按时间正序输出
		for i := len(records) - 1; i >= 0; i-- {
			fmt.Print(incident.Format(records[i]))
		}
		return nil
	}

	blocks, err := incident.New(st.IncidentLog, nil, current.log).Tail(0)
	if err != nil {
		return err
	}
	var out []string
	for _, b := range blocks {
		if incidentsBot == "" || strings.HasPrefix(b, "=== SECURITY INCIDENT: "+incidentsBot+" ===") {
			out = append(out, b)
		}
	}
	if incidentsLimit > 0 && len(out) > incidentsLimit {
		out = out[len(out)-incidentsLimit:]
	}
	for _, b := range out {
		fmt.Print(b)
	}
	if len(out) == 0 {
		fmt.Println("no incidents recorded")
	}
	return nil
}
