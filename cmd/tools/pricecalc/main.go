// Command pricecalc prices items offline, inspects exported rule contents and
// hashes author passphrases.
//
//	pricecalc price -base 100 -shop "+10%" -global "-5" [-mode linear] [-explain]
//	pricecalc inspect contents.json
//	pricecalc hash <passphrase>
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/noah-isme/shop-reduction/internal/auth"
	"github.com/noah-isme/shop-reduction/internal/modifier"
	"github.com/noah-isme/shop-reduction/internal/pricing"
	"github.com/noah-isme/shop-reduction/internal/rules"
)

const usage = "usage: pricecalc <price|inspect|hash> [flags]"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	var err error
	switch args[0] {
	case "price":
		err = runPrice(args[1:], stdout, stderr)
	case "inspect":
		err = runInspect(args[1:], stdout)
	case "hash":
		err = runHash(args[1:], stdout)
	default:
		err = fmt.Errorf("unknown subcommand %q\n%s", args[0], usage)
	}
	if err == nil {
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	fmt.Fprintln(stderr, "pricecalc:", err)
	return 1
}

func runPrice(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("price", flag.ContinueOnError)
	fs.SetOutput(stderr)
	base := fs.Int64("base", 0, "base price")
	shop := fs.String("shop", "", "shop chain")
	global := fs.String("global", "", "global chain")
	modeName := fs.String("mode", "legacy", "percent mode: legacy or linear")
	explain := fs.Bool("explain", false, "print the compiled expression and every step as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mode, ok := modifier.ParseMode(*modeName)
	if !ok {
		return fmt.Errorf("unknown mode %q", *modeName)
	}

	engine := pricing.Engine{Compiler: modifier.Compiler{Mode: mode}}
	if !*explain {
		price, err := engine.Price(*base, *shop, *global)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, price)
		return err
	}
	breakdown, err := engine.Explain(*base, *shop, *global)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(breakdown)
}

func runInspect(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("inspect needs exactly one file")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	contents, err := rules.DecodeSaveContents(data)
	if err != nil {
		return err
	}

	printRuleSet(stdout, "global", contents.GlobalShopReduction)
	keys := make([]rules.ScopeKey, 0, len(contents.EventsShopReduction))
	for key := range contents.EventsShopReduction {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		printRuleSet(stdout, "event "+key.String(), contents.EventsShopReduction[key])
	}
	return nil
}

func printRuleSet(w io.Writer, label string, set rules.RuleSet) {
	for _, action := range []rules.Action{rules.ActionBuy, rules.ActionSell} {
		if chain, ok := set[action]; ok {
			fmt.Fprintf(w, "%s\t%s\t%s\n", label, action, chain)
		}
	}
}

func runHash(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("hash needs exactly one passphrase")
	}
	hash, err := auth.HashPassphrase(args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, hash)
	return err
}
