package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sshupdater/internal/engine"
	"sshupdater/internal/inventory"
)

var (
	addAddress string
	addPort    int
	addUser    string
	addAuth    string
	addKeyPath string
	addFamily  string
	addTags    []string
	addUID     string
)

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Manage the host inventory",
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := initStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		records, err := store.ListHosts(cmd.Context())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No hosts configured. Add one with 'sshup hosts add'.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESS\tUSER\tAUTH\tOS\tTAGS\tPENDING\tLAST CHECK")
		for _, rec := range records {
			lastCheck := "never"
			if !rec.LastCheck.IsZero() {
				lastCheck = rec.LastCheck.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
				rec.Name, rec.Address, rec.Port, rec.User, rec.AuthMethod,
				rec.OSFamily, strings.Join(rec.Tags, ","), rec.PendingUpdates, lastCheck)
		}
		return w.Flush()
	},
}

var hostsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a host or update an existing one",
	Long: `Add a host to the inventory, or update it if the name already exists.

Key authentication is the default. For password authentication pass
--auth password and set the password afterwards with
'sshup hosts set-password'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := initStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		user := addUser
		if user == "" {
			user = cfg.SSH.DefaultUser
		}
		port := addPort
		if port == 0 {
			port = cfg.SSH.DefaultPort
		}

		rec := inventory.HostRecord{
			ExternalUID: addUID,
			Name:        args[0],
			Address:     addAddress,
			Port:        port,
			User:        user,
			AuthMethod:  engine.AuthMethod(addAuth),
			KeyPath:     addKeyPath,
			OSFamily:    engine.OSFamily(addFamily),
			Tags:        addTags,
		}
		if rec.Address == "" {
			rec.Address = rec.Name
		}

		id, err := store.SaveHost(cmd.Context(), rec)
		if err != nil {
			return err
		}
		log.Info("Host saved", "name", rec.Name, "id", id)
		return nil
	},
}

var hostsRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a host from the inventory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := initStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		rec, err := store.GetHostByName(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := store.DeleteHost(cmd.Context(), rec.ID); err != nil {
			return err
		}
		log.Info("Host removed", "name", rec.Name)
		return nil
	},
}

var hostsSetPasswordCmd = &cobra.Command{
	Use:   "set-password <name>",
	Short: "Store an encrypted SSH password for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := initStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		rec, err := store.GetHostByName(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		v, err := unlockVault()
		if err != nil {
			return err
		}

		password, err := promptPassword(fmt.Sprintf("SSH password for %s@%s: ", rec.User, rec.Address))
		if err != nil {
			return err
		}
		token, err := v.Encrypt(password)
		if err != nil {
			return err
		}
		if err := store.SetHostPassword(cmd.Context(), rec.ID, token); err != nil {
			return err
		}
		log.Info("Password stored", "name", rec.Name)
		return nil
	},
}

var hostsLogsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Show recent run results for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := initStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		rec, err := store.GetHostByName(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		logs, err := store.ListLogs(cmd.Context(), rec.ID, 20)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			fmt.Printf("No runs recorded for %s yet.\n", rec.Name)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tOPERATION\tSTATUS\tSUMMARY")
		for _, entry := range logs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				entry.Timestamp.Local().Format(time.DateTime),
				entry.Operation, entry.Status, entry.Summary)
		}
		return w.Flush()
	},
}

func init() {
	hostsAddCmd.Flags().StringVar(&addAddress, "address", "", "IP or hostname to connect to (default: the host name)")
	hostsAddCmd.Flags().IntVar(&addPort, "port", 0, "SSH port (default: from config)")
	hostsAddCmd.Flags().StringVar(&addUser, "user", "", "SSH user (default: from config)")
	hostsAddCmd.Flags().StringVar(&addAuth, "auth", "key", "auth method: key or password")
	hostsAddCmd.Flags().StringVar(&addKeyPath, "key", "~/.ssh/id_ed25519", "path to the private key (key auth)")
	hostsAddCmd.Flags().StringVar(&addFamily, "os", "auto", "OS family: debian, rhel, arch or auto")
	hostsAddCmd.Flags().StringSliceVar(&addTags, "tags", nil, "tags for host selection (comma-separated)")
	hostsAddCmd.Flags().StringVar(&addUID, "external-uid", "", "stable identifier from an external source")

	hostsCmd.AddCommand(hostsListCmd, hostsAddCmd, hostsRemoveCmd, hostsSetPasswordCmd, hostsLogsCmd)
	rootCmd.AddCommand(hostsCmd)
}
