package main

import (
	"github.com/bissquit/acquisitions/internal/identity/dynamo"
	"github.com/spf13/cobra"
)

// tablesCmd represents the tables command.
var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Manage DynamoDB tables",
}

var tablesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the users and email lock tables if they do not exist",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client, err := dynamo.NewClient(cmd.Context(), dynamo.ClientConfig{
			Region:          cfg.DynamoDB.Region,
			Endpoint:        cfg.DynamoDB.Endpoint,
			AccessKeyID:     cfg.DynamoDB.AccessKeyID,
			SecretAccessKey: cfg.DynamoDB.SecretAccessKey,
		})
		if err != nil {
			return err
		}

		repo := dynamo.NewRepository(client, dynamo.Tables{
			Users:  cfg.DynamoDB.UsersTable,
			Emails: cfg.DynamoDB.EmailsTable,
		})
		return repo.CreateTables(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(tablesCmd)
	tablesCmd.AddCommand(tablesCreateCmd)
}
