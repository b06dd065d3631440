package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/atmx/lending-ledger/internal/fixedpoint"
	"github.com/atmx/lending-ledger/internal/ledger"
	"github.com/atmx/lending-ledger/internal/liquidation"
	"github.com/atmx/lending-ledger/internal/marketid"
	"github.com/atmx/lending-ledger/internal/model"
	"github.com/atmx/lending-ledger/internal/oracle"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Offline calculator for lending market accounting",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newQuoteCmd(), newConvertCmd(), newMarketIDCmd(), newPriceCmd())
	return root
}

// pairFlags are the token decimals shared by price-aware commands.
type pairFlags struct {
	loanDecimals       uint8
	collateralDecimals uint8
}

func (f *pairFlags) register(cmd *cobra.Command) {
	cmd.Flags().Uint8Var(&f.loanDecimals, "loan-decimals", 18, "loan token decimals")
	cmd.Flags().Uint8Var(&f.collateralDecimals, "collateral-decimals", 18, "collateral token decimals")
}

func newQuoteCmd() *cobra.Command {
	var (
		pair                                 pairFlags
		totalBorrowAssets, totalBorrowShares string
		borrowShares, collateral             string
		price                                string
		feedDecimals                         uint8
		lltv, closeFactor, incentive         string
		asJSON                               bool
	)
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Evaluate a position's health and liquidation bounds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var m model.Market
			m.Params.LoanDecimals = pair.loanDecimals
			m.Params.CollateralDecimals = pair.collateralDecimals
			var p model.Position
			for _, f := range []struct {
				name string
				raw  string
				dst  *uint256.Int
			}{
				{"total-borrow-assets", totalBorrowAssets, &m.TotalBorrowAssets},
				{"total-borrow-shares", totalBorrowShares, &m.TotalBorrowShares},
				{"borrow-shares", borrowShares, &p.BorrowShares},
				{"collateral", collateral, &p.Collateral},
			} {
				v, err := fixedpoint.Parse(f.raw)
				if err != nil {
					return fmt.Errorf("--%s: %w", f.name, err)
				}
				f.dst.Set(v)
			}

			var policy liquidation.Policy
			for _, f := range []struct {
				name string
				raw  string
				dst  *uint256.Int
			}{
				{"lltv", lltv, &m.Params.LLTV},
				{"close-factor", closeFactor, &policy.CloseFactor},
				{"incentive", incentive, &policy.Incentive},
			} {
				v, err := fixedpoint.ParseWAD(f.raw)
				if err != nil {
					return fmt.Errorf("--%s: %w", f.name, err)
				}
				f.dst.Set(v)
			}

			raw, err := fixedpoint.Parse(price)
			if err != nil {
				return fmt.Errorf("--price: %w", err)
			}
			canonical, err := oracle.Normalize(raw, feedDecimals, pair.loanDecimals, pair.collateralDecimals)
			if err != nil {
				return err
			}
			engine, err := liquidation.NewEngine(policy)
			if err != nil {
				return err
			}
			q, err := engine.Evaluate(&p, &m, canonical)
			if err != nil {
				return err
			}
			return printQuote(cmd.OutOrStdout(), &q, pair.loanDecimals, pair.collateralDecimals, asJSON)
		},
	}
	pair.register(cmd)
	f := cmd.Flags()
	f.StringVar(&totalBorrowAssets, "total-borrow-assets", "0", "market total borrow assets (smallest units)")
	f.StringVar(&totalBorrowShares, "total-borrow-shares", "0", "market total borrow shares")
	f.StringVar(&borrowShares, "borrow-shares", "0", "position borrow shares")
	f.StringVar(&collateral, "collateral", "0", "position collateral (smallest units)")
	f.StringVar(&price, "price", "", "raw oracle price")
	f.Uint8Var(&feedDecimals, "feed-decimals", 18, "fractional digits of the raw price")
	f.StringVar(&lltv, "lltv", "0.8", "liquidation loan-to-value ratio")
	f.StringVar(&closeFactor, "close-factor", "0.5", "share of debt repayable per liquidation")
	f.StringVar(&incentive, "incentive", "1.05", "liquidation incentive multiplier")
	f.BoolVar(&asJSON, "json", false, "print the raw quote as JSON")
	cmd.MarkFlagRequired("price")
	return cmd
}

func printQuote(w io.Writer, q *model.LiquidationQuote, loanDecimals, collateralDecimals uint8, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(q)
	}
	health := "inf"
	if d, ok := liquidation.HealthDecimal(q.HealthFactor); ok {
		health = d.String()
	}
	fmt.Fprintf(w, "debt:             %s\n", fixedpoint.FormatUnits(&q.Debt, loanDecimals))
	fmt.Fprintf(w, "collateral value: %s\n", fixedpoint.FormatUnits(&q.CollateralValue, loanDecimals))
	fmt.Fprintf(w, "max borrow:       %s\n", fixedpoint.FormatUnits(&q.MaxBorrowValue, loanDecimals))
	fmt.Fprintf(w, "health factor:    %s\n", health)
	fmt.Fprintf(w, "liquidatable:     %t\n", q.Liquidatable)
	if q.Liquidatable {
		fmt.Fprintf(w, "max repay:        %s\n", fixedpoint.FormatUnits(&q.MaxRepay, loanDecimals))
		fmt.Fprintf(w, "max seize:        %s\n", fixedpoint.FormatUnits(&q.MaxSeize, collateralDecimals))
	}
	return nil
}

const convertLong = `Convert between assets and shares of a pool.

Ledger operations round in the protocol's favour: supply mints and repay
burns round down, withdraw burns and borrow mints round up.`

func newConvertCmd() *cobra.Command {
	var (
		amount, totalAssets, totalShares string
		toShares                         bool
		round                            string
	)
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert between assets and shares of a pool",
		Long:  convertLong,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var vals [3]*uint256.Int
			for i, f := range []struct{ name, raw string }{
				{"amount", amount}, {"total-assets", totalAssets}, {"total-shares", totalShares},
			} {
				v, err := fixedpoint.Parse(f.raw)
				if err != nil {
					return fmt.Errorf("--%s: %w", f.name, err)
				}
				vals[i] = v
			}
			r, err := parseRounding(round)
			if err != nil {
				return err
			}
			var out *uint256.Int
			if toShares {
				out, err = ledger.ToShares(vals[0], vals[1], vals[2], r)
			} else {
				out, err = ledger.ToAssets(vals[0], vals[1], vals[2], r)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Dec())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&amount, "amount", "", "assets or shares to convert")
	f.StringVar(&totalAssets, "total-assets", "0", "pool total assets")
	f.StringVar(&totalShares, "total-shares", "0", "pool total shares")
	f.BoolVar(&toShares, "to-shares", false, "convert assets to shares instead of shares to assets")
	f.StringVar(&round, "round", "down", "rounding direction: down or up")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func parseRounding(s string) (fixedpoint.Rounding, error) {
	switch strings.ToLower(s) {
	case "down":
		return fixedpoint.Down, nil
	case "up":
		return fixedpoint.Up, nil
	}
	return 0, fmt.Errorf("--round: unknown direction %q", s)
}

func newMarketIDCmd() *cobra.Command {
	var (
		params                                  model.MarketParams
		lltv                                    string
		ratePerSecond, baseRate, slope1, slope2 string
		kink                                    string
	)
	cmd := &cobra.Command{
		Use:   "market-id",
		Short: "Compute the key of a market from its parameters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := fixedpoint.ParseWAD(lltv)
			if err != nil {
				return fmt.Errorf("--lltv: %w", err)
			}
			params.LLTV.Set(v)

			rm := &params.RateModel
			switch rm.Kind {
			case model.RateModelFixed:
				v, err := fixedpoint.Parse(ratePerSecond)
				if err != nil {
					return fmt.Errorf("--rate-per-second: %w", err)
				}
				rm.RatePerSecond.Set(v)
			case model.RateModelKinked:
				for _, f := range []struct {
					name, raw string
					dst       *uint256.Int
				}{
					{"base-rate", baseRate, &rm.BaseRate},
					{"slope1", slope1, &rm.Slope1},
					{"slope2", slope2, &rm.Slope2},
					{"kink", kink, &rm.Kink},
				} {
					v, err := fixedpoint.ParseWAD(f.raw)
					if err != nil {
						return fmt.Errorf("--%s: %w", f.name, err)
					}
					f.dst.Set(v)
				}
			}
			if err := marketid.Validate(params); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), marketid.Of(params))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&params.LoanToken, "loan-token", "", "loan token identifier")
	f.StringVar(&params.CollateralToken, "collateral-token", "", "collateral token identifier")
	f.StringVar(&params.Oracle, "oracle", "", "oracle identifier")
	f.Uint8Var(&params.LoanDecimals, "loan-decimals", 18, "loan token decimals")
	f.Uint8Var(&params.CollateralDecimals, "collateral-decimals", 18, "collateral token decimals")
	f.StringVar(&lltv, "lltv", "0.8", "liquidation loan-to-value ratio")
	f.StringVar(&params.RateModel.Kind, "rate-model", model.RateModelFixed, "interest model: fixed or kinked")
	f.StringVar(&ratePerSecond, "rate-per-second", "0", "fixed model: WAD rate per second")
	f.StringVar(&baseRate, "base-rate", "0", "kinked model: annual base rate")
	f.StringVar(&slope1, "slope1", "0", "kinked model: annual slope below the kink")
	f.StringVar(&slope2, "slope2", "0", "kinked model: annual slope above the kink")
	f.StringVar(&kink, "kink", "0.8", "kinked model: utilization at the kink")
	return cmd
}

func newPriceCmd() *cobra.Command {
	var (
		pair         pairFlags
		price        string
		feedDecimals uint8
	)
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Normalize a raw oracle price for a token pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := fixedpoint.Parse(price)
			if err != nil {
				return fmt.Errorf("--price: %w", err)
			}
			p, err := oracle.Normalize(raw, feedDecimals, pair.loanDecimals, pair.collateralDecimals)
			if err != nil {
				return err
			}
			// One whole collateral token valued in whole loan tokens.
			var unit uint256.Int
			unit.Set(fixedpoint.Pow10(uint(pair.collateralDecimals)))
			value, err := oracle.ToLoanAssets(&unit, p)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "canonical: %s\n", p.Value.Dec())
			fmt.Fprintf(w, "decimals:  %d\n", p.Decimals())
			fmt.Fprintf(w, "per unit:  %s\n", fixedpoint.FormatUnits(value, pair.loanDecimals))
			return nil
		},
	}
	pair.register(cmd)
	cmd.Flags().StringVar(&price, "price", "", "raw oracle price")
	cmd.Flags().Uint8Var(&feedDecimals, "feed-decimals", 18, "fractional digits of the raw price")
	cmd.MarkFlagRequired("price")
	return cmd
}
