package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/soren/packsync/internal/config"
	"github.com/soren/packsync/internal/node"
)

func statusCmd() *cobra.Command {
	var addr string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's peer roster and conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				addr = cfg.ListenAddr
				if strings.HasPrefix(addr, ":") {
					addr = "127.0.0.1" + addr
				}
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/status", addr))
			if err != nil {
				return fmt.Errorf("reach daemon at %s: %w", addr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
			}

			var st node.Status
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(st)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (default: listen_addr from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printStatus(st node.Status) {
	fmt.Printf("device %s (%s)\n\n", st.Identity.Name, st.Identity.ID)

	if len(st.Peers) == 0 {
		fmt.Println("no peers discovered")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PEER\tNAME\tADDRESS\tSTATE\tLAST SEEN")
		for _, p := range st.Peers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				shortID(p.ID), p.Name, p.Address, p.Transport,
				time.Since(p.LastSeenAt).Round(time.Second))
		}
		w.Flush()
	}

	if len(st.PendingScopes) > 0 {
		fmt.Printf("\npending batches: %s\n", strings.Join(st.PendingScopes, ", "))
	}
	if len(st.Conflicts) > 0 {
		fmt.Printf("\nunresolved conflicts: %d (latest %s in %s)\n",
			len(st.Conflicts), st.Conflicts[0].EntityID, st.Conflicts[0].ParentScopeID)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
