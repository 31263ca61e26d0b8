package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"facelock/internal/config"
	"facelock/internal/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage enrolled profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled profiles",
	RunE:  runProfilesList,
}

var profilesRenameCmd = &cobra.Command{
	Use:   "rename <id> <new-name>",
	Short: "Rename an enrolled profile",
	Args:  cobra.ExactArgs(2),
	RunE:  runProfilesRename,
}

var profilesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an enrolled profile and its descriptors",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesDelete,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesRenameCmd)
	profilesCmd.AddCommand(profilesDeleteCmd)
}

// openStore opens the profile database without starting the worker or camera.
func openStore() (*profile.SQLiteStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return profile.OpenSQLite(cfg.DBPath)
}

func runProfilesList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	profiles, err := store.GetAll()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Println("No enrolled profiles")
		return nil
	}

	for _, p := range profiles {
		fmt.Printf("%-20s %-24s %3d captures  enrolled %s\n",
			p.ID, p.Name, len(p.RawDescriptors), p.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runProfilesRename(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Rename(args[0], args[1]); err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return fmt.Errorf("no profile with id %q", args[0])
		}
		return err
	}
	fmt.Printf("Renamed %s to %q\n", args[0], args[1])
	return nil
}

func runProfilesDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(args[0]); err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return fmt.Errorf("no profile with id %q", args[0])
		}
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}
