package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Inspect and manage accounts",
}

var accountShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show balance and holdings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out interface{}
		if err := call(cmd.Context(), "GET", "/api/accounts/"+url.PathEscape(args[0]), nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var accountOpenCmd = &cobra.Command{
	Use:   "open ID",
	Short: "Open an account with the starting balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out interface{}
		if err := call(cmd.Context(), "POST", "/api/accounts/"+url.PathEscape(args[0]), nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var accountDepositCmd = &cobra.Command{
	Use:   "deposit ID AMOUNT",
	Short: "Add cash to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid amount %q", args[1])
		}
		req := struct {
			Amount decimal.Decimal `json:"amount"`
		}{Amount: amount}
		var out interface{}
		path := "/api/accounts/" + url.PathEscape(args[0]) + "/increment-balance"
		if err := call(cmd.Context(), "PUT", path, req, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var accountHoldingCmd = &cobra.Command{
	Use:   "holding ID SYMBOL DELTA",
	Short: "Adjust the shares held of a symbol",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid quantity %q", args[2])
		}
		req := struct {
			Symbol   string `json:"stock_symbol"`
			Quantity int64  `json:"quantity"`
		}{Symbol: strings.ToUpper(args[1]), Quantity: delta}
		var out interface{}
		path := "/api/accounts/" + url.PathEscape(args[0]) + "/portfolio"
		if err := call(cmd.Context(), "PUT", path, req, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	accountCmd.AddCommand(accountShowCmd)
	accountCmd.AddCommand(accountOpenCmd)
	accountCmd.AddCommand(accountDepositCmd)
	accountCmd.AddCommand(accountHoldingCmd)
}
