package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/alumnichat/internal/models"
	"github.com/pliu/alumnichat/internal/store/sqlstore"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage chat users",
}

// userAddCmd seeds a user. Accounts are normally owned by the identity
// service; this exists for local setups and tests.
var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		username, _ := flags.GetString("username")
		password, _ := flags.GetString("password")
		first, _ := flags.GetString("first")
		last, _ := flags.GetString("last")
		if username == "" || password == "" {
			return errors.New("--username and --password are required")
		}

		driver, dsn, err := dbSettings()
		if err != nil {
			return err
		}
		st, err := sqlstore.New(driver, dsn)
		if err != nil {
			return errors.Wrap(err, "open store")
		}
		defer st.Close()

		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return errors.Wrap(err, "hash password")
		}
		user := &models.User{
			Username:  username,
			FirstName: first,
			LastName:  last,
			Password:  string(hashed),
		}
		if err := st.CreateUser(cmd.Context(), user); err != nil {
			return errors.Wrapf(err, "create user %s", username)
		}
		fmt.Fprintln(cmd.OutOrStdout(), user.ID)
		return nil
	},
}

// userActivationCmd builds the activate and deactivate commands. A
// deactivated user keeps their history but can no longer authenticate.
func userActivationCmd(use, short string, active bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			if username == "" {
				return errors.New("--username is required")
			}

			driver, dsn, err := dbSettings()
			if err != nil {
				return err
			}
			st, err := sqlstore.New(driver, dsn)
			if err != nil {
				return errors.Wrap(err, "open store")
			}
			defer st.Close()

			user, err := st.GetUserByUsername(cmd.Context(), username)
			if err != nil {
				return errors.Wrapf(err, "find user %s", username)
			}
			if err := st.SetUserActive(cmd.Context(), user.ID, active); err != nil {
				return errors.Wrapf(err, "update user %s", username)
			}
			fmt.Fprintln(cmd.OutOrStdout(), user.ID)
			return nil
		},
	}
	cmd.Flags().String("username", "", "Username of the account")
	return cmd
}

func init() {
	userAddCmd.Flags().String("username", "", "Unique username")
	userAddCmd.Flags().String("password", "", "Password, stored as a bcrypt hash")
	userAddCmd.Flags().String("first", "", "First name")
	userAddCmd.Flags().String("last", "", "Last name")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userActivationCmd("deactivate", "Block a user from connecting", false))
	userCmd.AddCommand(userActivationCmd("activate", "Allow a deactivated user to connect again", true))
	rootCmd.AddCommand(userCmd)
}

// dbSettings reads the database keys without requiring the full server
// config.
func dbSettings() (string, string, error) {
	driver := viper.GetString("db.driver")
	dsn := viper.GetString("db.dsn")
	if driver == "" || dsn == "" {
		return "", "", errors.New("db.driver and db.dsn are required")
	}
	return driver, dsn, nil
}
