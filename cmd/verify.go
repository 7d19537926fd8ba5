package cmd

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	manifestPath string
	verifyDSN    string
)

// schemaManifest declares the tables and columns an application expects.
type schemaManifest struct {
	DSN    string          `yaml:"dsn"`
	Tables []tableManifest `yaml:"tables"`
}

type tableManifest struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the database schema against a manifest",
	Long:  `Verify that every table and column declared in the manifest exists in the connected database.`,
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&manifestPath, "manifest", "quarry.yaml", "Path to the schema manifest")
	verifyCmd.Flags().StringVar(&verifyDSN, "dsn", "", "Database DSN, overrides the manifest")
}

func runVerify(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var manifest schemaManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	dsn := manifest.DSN
	if verifyDSN != "" {
		dsn = verifyDSN
	}
	if dsn == "" {
		return fmt.Errorf("no DSN: set dsn in the manifest or pass --dsn")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	fmt.Println("Verifying database schema...")
	fmt.Println()

	allGood := true
	for _, table := range manifest.Tables {
		var exists bool
		err := db.QueryRow(`
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = DATABASE()
				AND table_name = ?
			)
		`, table.Name).Scan(&exists)
		if err != nil {
			fmt.Printf("ERROR: checking table %s: %v\n", table.Name, err)
			allGood = false
			continue
		}

		if !exists {
			fmt.Printf("MISSING: Table %-20s missing\n", table.Name)
			allGood = false
			continue
		}
		fmt.Printf("OK: Table %-20s exists\n", table.Name)

		for _, column := range table.Columns {
			var colExists bool
			err := db.QueryRow(`
				SELECT EXISTS (
					SELECT 1 FROM information_schema.columns
					WHERE table_schema = DATABASE()
					AND table_name = ?
					AND column_name = ?
				)
			`, table.Name, column).Scan(&colExists)
			if err != nil {
				fmt.Printf("ERROR: checking column %s.%s: %v\n", table.Name, column, err)
				allGood = false
				continue
			}
			if !colExists {
				fmt.Printf("MISSING: Column %s.%s missing\n", table.Name, column)
				allGood = false
			}
		}
	}

	fmt.Println()
	if !allGood {
		fmt.Println("Schema verification failed!")
		return fmt.Errorf("schema verification failed")
	}
	fmt.Println("Schema verification passed!")
	return nil
}
