package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/quill/ai/provider"
	"github.com/teranos/quill/pulse/budget"
)

// PricingCmd groups pricing profile commands
var PricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Manage backend pricing profiles",
	Long: `Manage the pricing profiles used to compute batch spend.

A profile is keyed by backend id ("openrouter/openai/gpt-4o-mini") or by
provider family ("local"). Backend profiles win over family profiles; calls
with no active profile cost nothing.

Examples:
  quill pricing ls                                   # List profiles
  quill pricing seed                                 # Add built-in prices
  quill pricing set anthropic/claude-3-5-haiku-latest 0.8 4
  quill pricing set local 0 0 --inactive`,
}

var pricingLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pricing profiles",
	RunE:  runPricingLs,
}

var pricingSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert built-in prices for profiles that do not exist yet",
	RunE:  runPricingSeed,
}

var pricingSetCmd = &cobra.Command{
	Use:   "set <key> <input-per-million> <output-per-million>",
	Short: "Create or replace a pricing profile",
	Args:  cobra.ExactArgs(3),
	RunE:  runPricingSet,
}

func init() {
	pricingLsCmd.Flags().Bool("json", false, "Output as JSON")
	pricingSetCmd.Flags().Bool("inactive", false, "Store the profile as inactive")

	PricingCmd.AddCommand(pricingLsCmd, pricingSeedCmd, pricingSetCmd)
}

func runPricingLs(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	profiles, err := budget.NewStore(database).ListProfiles(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		if profiles == nil {
			profiles = []budget.Profile{}
		}
		return printJSON(profiles)
	}
	if len(profiles) == 0 {
		pterm.Info.Println("No pricing profiles. Add the built-in ones with: quill pricing seed")
		return nil
	}

	rows := make([][]string, 0, len(profiles))
	for _, p := range profiles {
		active := "yes"
		if !p.Active {
			active = "no"
		}
		rows = append(rows, []string{
			p.Key,
			formatCost(p.InputPerMillion),
			formatCost(p.OutputPerMillion),
			active,
			formatTime(p.UpdatedAt),
		})
	}
	return renderTable([]string{"Key", "Input/M", "Output/M", "Active", "Updated"}, rows)
}

func runPricingSeed(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	prices := provider.DefaultPricing()
	added, err := budget.NewStore(database).SeedDefaults(cmd.Context(), prices)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Seeded %d of %d built-in pricing profiles\n", added, len(prices))
	return nil
}

func runPricingSet(cmd *cobra.Command, args []string) error {
	input, err := parsePrice(args[1])
	if err != nil {
		return err
	}
	output, err := parsePrice(args[2])
	if err != nil {
		return err
	}
	inactive, _ := cmd.Flags().GetBool("inactive")

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	profile := budget.Profile{
		Key:              args[0],
		InputPerMillion:  input,
		OutputPerMillion: output,
		Active:           !inactive,
	}
	if err := budget.NewStore(database).UpsertProfile(cmd.Context(), profile); err != nil {
		return err
	}
	pterm.Success.Printf("Pricing for %s: %s in, %s out per million tokens\n", profile.Key, formatCost(input), formatCost(output))
	return nil
}

func parsePrice(raw string) (float64, error) {
	v, err := parseLimit(raw)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}
