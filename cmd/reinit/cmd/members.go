package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/reinit/pkg/membership"
)

// membersCmd represents the members command
var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Inspect the coordinator's member table",
	Long:  `Retrieve and display the processes known to the group coordinator, with their rank, liveness and host load.`,
	RunE:  runMembersList,
}

func init() {
	rootCmd.AddCommand(membersCmd)
}

func runMembersList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/v1/members", coordinatorURL(cfg))

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator returned %s", resp.Status)
	}

	var members []membership.Member
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(members, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(members) == 0 {
		fmt.Println("No members registered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rank", "ID", "Alive", "Epoch", "CPU %", "Mem %", "Last OK")
	for _, m := range members {
		alive := "yes"
		if !m.Alive {
			alive = "no"
		}
		table.Append(
			fmt.Sprintf("%d", m.Rank),
			m.ID,
			alive,
			fmt.Sprintf("%d", m.Epoch),
			fmt.Sprintf("%.1f", m.CPULoad),
			fmt.Sprintf("%.1f", m.MemUsedPc),
			m.LastOK.Format("15:04:05"),
		)
	}
	table.Render()
	fmt.Printf("\nTotal members: %d\n", len(members))
	return nil
}
