package main

import (
	"flag"
	"fmt"
	"os"

	"qabridge/internal/report"
)

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	reportPath := fs.String("report", "", "failed-tests report file to validate")
	rulesPath := fs.String("rules", "", "rules file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *reportPath == "" && *rulesPath == "" {
		return fmt.Errorf("validate requires -report or -rules")
	}

	validator, err := report.NewValidator()
	if err != nil {
		return err
	}

	if *reportPath != "" {
		data, err := os.ReadFile(*reportPath)
		if err != nil {
			return err
		}
		if err := validator.ValidateFailedTests(data); err != nil {
			return err
		}
		fmt.Printf("%s: valid failed-tests report\n", *reportPath)
	}
	if *rulesPath != "" {
		data, err := os.ReadFile(*rulesPath)
		if err != nil {
			return err
		}
		if err := validator.ValidateRules(data); err != nil {
			return err
		}
		fmt.Printf("%s: valid rules file\n", *rulesPath)
	}
	return nil
}
