package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
)

type activationRow struct {
	Identity     string    `json:"identity"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"lastActivity"`
}

// topCmd renders a live per-silo activation table by polling a running
// silo's /activations introspection endpoint, grounded on the teacher's
// dependency on termui even though the teacher itself never ships a
// dashboard — a silo's live activation roster is exactly the kind of
// refreshing table termui exists for.
func topCmd() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Live dashboard of one silo's activations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "http://localhost:8090",
				Usage: "Silo HTTP introspection base address",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: 2 * time.Second,
				Usage: "Poll interval",
			},
		},
		Action: func(c *cli.Context) error {
			return runTop(c.String("addr"), c.Duration("interval"))
		},
	}
}

func runTop(addr string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("top: termui init failed: %w", err)
	}
	defer ui.Close()

	table := widgets.NewTable()
	table.Title = "Quark Activations"
	table.Rows = [][]string{{"Identity", "State", "Last Activity"}}
	table.SetRect(0, 0, 100, 30)
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowSeparator = true

	refresh := func() {
		rows, err := fetchActivations(addr)
		if err != nil {
			table.Rows = [][]string{{"Identity", "State", "Last Activity"}, {"error", err.Error(), ""}}
			ui.Render(table)
			return
		}
		table.Rows = [][]string{{"Identity", "State", "Last Activity"}}
		for _, r := range rows {
			table.Rows = append(table.Rows, []string{r.Identity, r.State, r.LastActivity.Format(time.RFC3339)})
		}
		ui.Render(table)
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	events := ui.PollEvents()
	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case <-ticker.C:
			refresh()
		}
	}
}

func fetchActivations(addr string) ([]activationRow, error) {
	resp, err := http.Get(addr + "/activations")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rows []activationRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}
