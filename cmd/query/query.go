package query

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/nnbridge/internal/app"
	"github.com/tphakala/nnbridge/internal/backend"
	"github.com/tphakala/nnbridge/internal/conf"
	"github.com/tphakala/nnbridge/internal/device"
	"github.com/tphakala/nnbridge/internal/logger"
)

// Command creates the query command and its subcommands.
func Command(_ *viper.Viper, settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Inspect models and audio devices",
	}
	cmd.AddCommand(modelsCommand(settings), devicesCommand())
	return cmd
}

func modelsCommand(settings *conf.Settings) *cobra.Command {
	var (
		id     int
		output string
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Print the layout of the configured models as YAML",
		Long: `Load every configured model and print its methods, ratios and attributes.
Built-in models: ` + fmt.Sprint(backend.BuiltinNames()),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return DumpModels(cmd.Context(), settings, afero.NewOsFs(), id, output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&id, "id", -1, "Only dump the model at this id")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the dump to a file instead of stdout")
	return cmd
}

// DumpModels loads the configured models and writes their dump to output,
// or to w when output is empty. A negative id dumps every model.
func DumpModels(ctx context.Context, settings *conf.Settings, fs afero.Fs, id int, output string, w io.Writer) error {
	a, err := app.New(ctx, app.Options{
		Settings: settings,
		Fs:       fs,
		Logger:   logger.Global().Module("query"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	switch {
	case output != "" && id >= 0:
		return a.Registry.WriteModelDump(id, output)
	case output != "":
		return a.Registry.WriteDump(output)
	case id >= 0:
		return a.Registry.DumpModel(id, w)
	default:
		return a.Registry.Dump(w)
	}
}

func devicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio capture and playback devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			capture, playback, err := device.List()
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), capture, playback)
		},
	}
}

func printDevices(w io.Writer, capture, playback []device.Info) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tINDEX\tNAME\tID\tDEFAULT")
	for _, group := range []struct {
		kind  string
		infos []device.Info
	}{{"capture", capture}, {"playback", playback}} {
		for _, d := range group.infos {
			def := ""
			if d.IsDefault {
				def = "*"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", group.kind, d.Index, d.Name, d.ID, def)
		}
	}
	return tw.Flush()
}
