package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit BUY|SELL SYMBOL QUANTITY PRICE",
	Short: "Submit a limit order",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		qty, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid quantity %q", args[2])
		}
		price, err := decimal.NewFromString(args[3])
		if err != nil {
			return fmt.Errorf("invalid price %q", args[3])
		}
		req := struct {
			Symbol   string          `json:"stock_symbol"`
			Side     string          `json:"order_type"`
			Quantity int64           `json:"quantity"`
			Price    decimal.Decimal `json:"price"`
		}{
			Symbol:   strings.ToUpper(args[1]),
			Side:     strings.ToUpper(args[0]),
			Quantity: qty,
			Price:    price,
		}
		var ack interface{}
		if err := call(cmd.Context(), "POST", "/api/orders", req, &ack); err != nil {
			return err
		}
		return printJSON(ack)
	},
}

var ordersCmd = &cobra.Command{
	Use:   "orders [ID]",
	Short: "Show one order or list orders",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out interface{}
		if len(args) == 1 {
			if err := call(cmd.Context(), "GET", "/api/orders/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		}

		q := url.Values{}
		for _, name := range []string{"status", "order_type", "symbol", "owner", "startDate", "endDate", "page", "pageSize"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				q.Set(name, v)
			}
		}
		path := "/api/orders"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		if err := call(cmd.Context(), "GET", path, nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel an open order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd.Context(), "DELETE", "/api/orders/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Printf("order %s cancelled\n", args[0])
		return nil
	},
}

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Run one matching pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out interface{}
		if err := call(cmd.Context(), "POST", "/api/orders/match", nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "clean-up",
	Short: "Delete complete orders older than the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/orders/clean-up"
		if days, _ := cmd.Flags().GetInt("days"); days >= 0 {
			path += "?days=" + strconv.Itoa(days)
		}
		var out interface{}
		if err := call(cmd.Context(), "POST", path, nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	f := ordersCmd.Flags()
	f.String("status", "", "open or complete")
	f.String("order_type", "", "BUY or SELL")
	f.String("symbol", "", "stock symbol")
	f.String("owner", "", "order owner")
	f.String("startDate", "", "created on or after, DD-MM-YYYY")
	f.String("endDate", "", "created on or before, DD-MM-YYYY")
	f.String("page", "", "page number, from 1")
	f.String("pageSize", "", "orders per page")

	cleanupCmd.Flags().Int("days", -1, "retention in days (server default when unset)")
}
