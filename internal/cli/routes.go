package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/harun/halte/pkg/livestate"
	"github.com/spf13/cobra"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Manage the bus route catalog",
}

var routesImportCmd = &cobra.Command{
	Use:   "import <catalog.yaml>",
	Short: "Validate a route catalog and store it in the database",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutesImport,
}

var routesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the stored routes",
	Args:  cobra.NoArgs,
	RunE:  runRoutesList,
}

func init() {
	routesCmd.AddCommand(routesImportCmd, routesListCmd)
	rootCmd.AddCommand(routesCmd)
}

func openRouteStore(cmd *cobra.Command) (*livestate.SQLiteStore, error) {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return livestate.OpenSQLite(cfg.LiveState.Database)
}

func runRoutesImport(cmd *cobra.Command, args []string) error {
	routes, err := livestate.LoadCatalog(args[0])
	if err != nil {
		return err
	}

	store, err := openRouteStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SaveRoutes(cmd.Context(), routes); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d routes from %s\n", len(routes), args[0])
	return nil
}

func runRoutesList(cmd *cobra.Command, args []string) error {
	store, err := openRouteStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	routes, err := store.LoadRoutes(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(routes) == 0 {
		fmt.Fprintln(out, "No routes stored. Import a catalog with: halte routes import <file>")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUS\tNAME\tSTOPS")
	for _, r := range routes {
		names := make([]string, len(r.Stops))
		for i, s := range r.Stops {
			names[i] = s.Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.BusID, r.Name, strings.Join(names, " -> "))
	}
	return tw.Flush()
}
