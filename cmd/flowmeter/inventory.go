package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keglevelmonitor/development-sub000/internal/config"
	"github.com/keglevelmonitor/development-sub000/internal/history"
	"github.com/keglevelmonitor/development-sub000/internal/inventory"
)

// openStore loads the inventory named by the config. These commands edit
// the file under a running daemon, which picks the change up through its
// watcher. Edits are meant for idle taps.
func openStore(cmd *cobra.Command) (*inventory.Store, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store := inventory.NewStore(cfg.InventoryPath, len(cfg.Taps), cfg.DefaultKFactor, nil)
	if _, err := store.Load(); err != nil {
		return nil, nil, fmt.Errorf("load inventory: %w", err)
	}
	return store, cfg, nil
}

func newInventoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "Print taps and kegs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openStore(cmd)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TAP\tNAME\tPIN\tK-FACTOR\tKEG\tREMAINING")
			kf := store.KFactors()
			for i, id := range store.Assignments() {
				keg, remaining := "offline", "-"
				if id != inventory.Unassigned {
					keg = id
					if k, ok := store.Get(id); ok {
						remaining = fmt.Sprintf("%.2f L", k.Remaining())
					}
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%.1f\t%s\t%s\n", i, cfg.Taps[i].Name, cfg.Taps[i].Pin, kf[i], keg, remaining)
			}
			fmt.Fprintln(w)
			printKegs(w, store.List())
			return w.Flush()
		},
	}
}

func printKegs(w *tabwriter.Writer, kegs []inventory.Keg) {
	fmt.Fprintln(w, "ID\tTITLE\tSTARTING\tDISPENSED\tREMAINING\tPULSES")
	for _, k := range kegs {
		title := k.Title
		if k.Corrupt {
			title = "(unreadable record)"
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f L\t%.2f L\t%.2f L\t%d\n", k.ID, title, k.StartingLiters, k.DispensedLiters, k.Remaining(), k.DispensedPulses)
	}
}

func newKegCmd() *cobra.Command {
	kegCmd := &cobra.Command{
		Use:   "keg",
		Short: "Manage keg records",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a keg",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				id = uuid.NewString()
			}
			if _, exists := store.Get(id); exists {
				return fmt.Errorf("keg %s already exists", id)
			}
			title, _ := cmd.Flags().GetString("title")
			maxLiters, _ := cmd.Flags().GetFloat64("max-liters")
			totalKg, _ := cmd.Flags().GetFloat64("total-kg")
			tareKg, _ := cmd.Flags().GetFloat64("tare-kg")
			beverage, _ := cmd.Flags().GetString("beverage")
			fillDate, _ := cmd.Flags().GetString("fill-date")

			starting := inventory.StartingVolume(maxLiters, totalKg, tareKg)
			if starting <= 0 {
				return errors.New("keg needs --max-liters or a --total-kg above --tare-kg")
			}
			k := inventory.Keg{
				ID:                    id,
				Title:                 title,
				TareWeightKg:          tareKg,
				StartingTotalWeightKg: totalKg,
				MaximumFullLiters:     maxLiters,
				StartingLiters:        starting,
				BeverageID:            beverage,
				FillDate:              fillDate,
			}
			if err := store.Save(k); err != nil {
				return fmt.Errorf("save keg: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.2f L\n", id, starting)
			return nil
		},
	}
	addCmd.Flags().String("id", "", "keg id (default: random UUID)")
	addCmd.Flags().String("title", "", "display title")
	addCmd.Flags().Float64("max-liters", 0, "full volume in liters; wins over weights")
	addCmd.Flags().Float64("total-kg", 0, "starting total weight in kg")
	addCmd.Flags().Float64("tare-kg", 0, "empty keg weight in kg")
	addCmd.Flags().String("beverage", "", "beverage id")
	addCmd.Flags().String("fill-date", "", "fill date")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List kegs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			printKegs(w, store.List())
			return w.Flush()
		},
	}

	setCmd := &cobra.Command{
		Use:   "set-dispensed <keg-id> <liters>",
		Short: "Correct the dispensed volume of a keg",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			liters, err := strconv.ParseFloat(args[1], 64)
			if err != nil || liters < 0 {
				return fmt.Errorf("invalid volume %q", args[1])
			}
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			return store.UpdateDispensed(args[0], liters, 0)
		},
	}

	kegCmd.AddCommand(addCmd, listCmd, setCmd)
	return kegCmd
}

func newTapCmd() *cobra.Command {
	tapCmd := &cobra.Command{
		Use:   "tap",
		Short: "Manage tap settings",
	}
	assignCmd := &cobra.Command{
		Use:   "assign <tap> <keg-id|none>",
		Short: "Put a keg on a tap, or take the tap offline with none",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tap, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid tap %q", args[0])
			}
			id := args[1]
			if id == "none" {
				id = inventory.Unassigned
			}
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			return store.Assign(tap, id)
		},
	}
	tapCmd.AddCommand(assignCmd)
	return tapCmd
}

func newPoursCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pours",
		Short: "Show logged pours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			hist, err := history.Open(cfg.HistoryPath)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer hist.Close()

			ctx := cmd.Context()
			if kegID, _ := cmd.Flags().GetString("keg"); kegID != "" {
				total, err := hist.KegTotal(ctx, kegID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.3f L\n", kegID, total)
				return nil
			}

			tap, _ := cmd.Flags().GetInt("tap")
			limit, _ := cmd.Flags().GetInt("limit")
			pours, err := hist.Recent(ctx, tap, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINISHED\tTAP\tKEG\tLITERS\tPULSES\tDURATION\tAVG L/MIN")
			for _, p := range pours {
				fmt.Fprintf(w, "%s\t%d\t%s\t%.3f\t%d\t%s\t%.2f\n",
					p.Finished.Local().Format("2006-01-02 15:04:05"), p.Tap, p.KegID, p.Liters, p.Pulses, p.Duration, p.AvgFlowLPM)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("tap", -1, "only this tap (-1 for all)")
	cmd.Flags().Int("limit", 20, "maximum pours to show")
	cmd.Flags().String("keg", "", "print the logged total for this keg instead")
	return cmd
}
