package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/i5heu/ouroboros-edx/pkg/auth"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "edx-keygen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	indexID := flag.String("index", "", "index id for a new token (5 characters)")
	from := flag.String("from", "", "existing token to narrow instead of generating")
	keep := flag.String("keep", "", "comma-separated operations to keep when narrowing")
	flag.Parse()

	var token *auth.Token
	var err error
	switch {
	case *from != "":
		token, err = auth.ParseToken(*from)
		if err != nil {
			return fmt.Errorf("parsing token: %w", err)
		}
		if *keep != "" {
			ops, err := parseOperations(*keep)
			if err != nil {
				return err
			}
			token, err = token.Reduce(ops...)
			if err != nil {
				return fmt.Errorf("narrowing token: %w", err)
			}
		}
	case *indexID != "":
		token, err = auth.GenerateToken(*indexID)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("either -index or -from is required")
	}

	fmt.Println(token.String())
	return nil
}

func parseOperations(list string) ([]auth.Operation, error) {
	var ops []auth.Operation
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		found := false
		for _, op := range auth.Operations() {
			if op.String() == name {
				ops = append(ops, op)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown operation %q", name)
		}
	}
	return ops, nil
}
