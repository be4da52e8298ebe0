package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/tourneyhub/authz"
	"github.com/tourneyhub/authz/logger"
	"github.com/tourneyhub/authz/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		handleValidate()
	case "convert":
		handleConvert()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("policyctl - policy configuration and decision tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  policyctl validate <file>                            - Validate a configuration file")
	fmt.Println("  policyctl convert <input> <output>                   - Convert between formats")
	fmt.Println("  policyctl stats <file>                               - Show configuration statistics")
	fmt.Println("  policyctl apply <file> <db>                          - Seed a sqlite database from configuration")
	fmt.Println("  policyctl check <db> <user> <org> <action> <resource> - Evaluate a request against a database")
	fmt.Println()
	fmt.Println("Supported config formats: .yaml, .yml, .json")
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: policyctl validate <file>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Configuration is valid")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: policyctl convert <input> <output>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := saveConfig(cfg, os.Args[3]); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], os.Args[3])
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: policyctl stats <file>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	allow, deny := 0, 0
	for _, st := range cfg.Statements {
		if st.Effect == authz.EffectAllow {
			allow++
		} else {
			deny++
		}
	}
	fmt.Printf("Users:         %d\n", len(cfg.Users))
	fmt.Printf("Organizations: %d\n", len(cfg.Organizations))
	fmt.Printf("Custom roles:  %d\n", len(cfg.Roles))
	fmt.Printf("Statements:    %d (%d allow, %d deny)\n", len(cfg.Statements), allow, deny)
	fmt.Printf("Memberships:   %d\n", len(cfg.Memberships))
	fmt.Printf("User policies: %d\n", len(cfg.UserPolicies))
	fmt.Printf("Built-in roles: %s\n", strings.Join(authz.DefaultCatalog().Roles(), ", "))
}

func handleApply() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: policyctl apply <file> <db>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	db, err := openDB(os.Args[3])
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	eng := authz.NewEngine(
		stores.NewSQLUserStore(db),
		stores.NewSQLMembershipStore(db),
		stores.NewSQLPolicyStore(db),
	)
	eng.SetLogger(logger.NewPhusluLogger())
	if err := eng.ApplyConfig(ctx, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}
	// role rows are bookkeeping only; the engine reads role links, not roles
	roleStore := stores.NewSQLRoleStore(db)
	for _, r := range cfg.Roles {
		if err := roleStore.PutRole(ctx, &authz.Role{ID: r.ID, OrgID: r.OrgID, Name: r.Name}); err != nil {
			fmt.Printf("Error seeding role %d: %v\n", r.ID, err)
			os.Exit(1)
		}
	}
	fmt.Printf("Applied %s to %s\n", os.Args[2], os.Args[3])
}

func handleCheck() {
	if len(os.Args) < 7 {
		fmt.Println("Usage: policyctl check <db> <user> <org> <action> <resource>")
		os.Exit(1)
	}
	userID, err := strconv.ParseInt(os.Args[3], 10, 64)
	if err != nil {
		fmt.Printf("Invalid user id: %v\n", err)
		os.Exit(1)
	}
	orgID, err := strconv.ParseInt(os.Args[4], 10, 64)
	if err != nil {
		fmt.Printf("Invalid org id: %v\n", err)
		os.Exit(1)
	}
	db, err := openDB(os.Args[2])
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}

	eng := authz.NewEngine(
		stores.NewSQLUserStore(db),
		stores.NewSQLMembershipStore(db),
		stores.NewSQLPolicyStore(db),
	)
	dec, err := eng.Evaluate(context.Background(), authz.Request{
		UserID:   userID,
		OrgID:    orgID,
		Action:   os.Args[5],
		Resource: os.Args[6],
	})
	if err != nil {
		fmt.Printf("Evaluation failed: %v\n", err)
		os.Exit(1)
	}
	verdict := "DENY"
	if dec.Allowed {
		verdict = "ALLOW"
	}
	fmt.Printf("%s: %s\n", verdict, dec.Reason)
	if len(dec.MatchedPolicies) > 0 {
		fmt.Printf("Matched statements: %v\n", dec.MatchedPolicies)
	}
	if !dec.Allowed {
		os.Exit(2)
	}
}

func openDB(path string) (*squealx.DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db := squealx.NewDb(sqlDB, "sqlite", "policyctl")
	if err := stores.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func loadConfig(path string) (*authz.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	loader := authz.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	}
	return nil, fmt.Errorf("unsupported config format: %s", path)
}

func saveConfig(cfg *authz.Config, path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported config format: %s", path)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
