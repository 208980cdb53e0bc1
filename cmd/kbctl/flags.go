package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"clinical-kb-platform/internal/bootstrap"
	"clinical-kb-platform/services"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Read and change runtime flags",
}

var flagsGetCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Show one flag, or every flag when no name is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFlagsGet,
}

var flagsSetCmd = &cobra.Command{
	Use:   "set [name] [value]",
	Short: "Change a flag; the value is validated against the flag type",
	Args:  cobra.ExactArgs(2),
	RunE:  runFlagsSet,
}

func init() {
	flagsCmd.AddCommand(flagsGetCmd)
	flagsCmd.AddCommand(flagsSetCmd)
	rootCmd.AddCommand(flagsCmd)
}

func flagService(inf *bootstrap.Infra) *services.FlagService {
	return services.NewFlagService(inf.Config, inf.Store, inf.Cache, inf.Audit)
}

func runFlagsGet(cmd *cobra.Command, args []string) error {
	return withInfra(cmd, func(ctx context.Context, inf *bootstrap.Infra) error {
		svc := flagService(inf)
		out := cmd.OutOrStdout()
		if len(args) == 1 {
			f, err := svc.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s = %s (%s, default %s)\n", f.Name, f.String(), f.Type, f.Default)
			return nil
		}

		flags, err := svc.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tVALUE\tDEFAULT\tDESCRIPTION")
		for _, f := range flags {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.Name, f.Type, f.String(), f.Default, f.Description)
		}
		return w.Flush()
	})
}

func runFlagsSet(cmd *cobra.Command, args []string) error {
	return withInfra(cmd, func(ctx context.Context, inf *bootstrap.Infra) error {
		f, err := flagService(inf).Set(ctx, operatorID, uuid.NewString(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", f.Name, f.String())
		return nil
	})
}
