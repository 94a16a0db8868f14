package main

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"emx-llm/internal/config"
	"emx-llm/internal/resolver"
)

func testCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Validate provider configuration and credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(provider)
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "provider section to test (default: all)")
	return cmd
}

func runTest(provider string) error {
	cfg, err := config.Load(config.Options{})
	if err != nil {
		return err
	}
	res := resolver.New(cfg.Provider)

	names := []string{provider}
	if provider == "" {
		names = cfg.Provider.ChildNames()
		sort.Strings(names)
	}

	var mu sync.Mutex
	results := make(map[string]error, len(names))

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			_, err := res.Probe(name)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return err
		})
	}
	groupErr := g.Wait()

	for _, name := range names {
		if err := results[name]; err != nil {
			fmt.Printf("%-12s FAILED: %v\n", name, err)
			continue
		}
		eff, _ := res.Probe(name)
		fmt.Printf("%-12s OK\n", name)
		fmt.Printf("  Provider:  %s\n", eff.Kind)
		fmt.Printf("  API Base:  %s\n", eff.APIBase)
		fmt.Printf("  API Key:   %s\n", config.RedactKey(eff.APIKey))
		if eff.Model != "" {
			fmt.Printf("  Model:     %s\n", eff.Model)
		}
	}

	if groupErr != nil {
		return fmt.Errorf("configuration test failed: %w", groupErr)
	}
	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}
