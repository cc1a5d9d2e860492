package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/cupperp/cupperp-backend/internal/calc"
	"github.com/cupperp/cupperp-backend/internal/engine"
	"github.com/cupperp/cupperp-backend/internal/issuance"
	"github.com/cupperp/cupperp-backend/internal/log"
	"github.com/cupperp/cupperp-backend/internal/pricefeed"
	"github.com/cupperp/cupperp-backend/internal/reserve"
	"github.com/cupperp/cupperp-backend/internal/side"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type marketFlags struct {
	leverage     string
	fundingCoeff string
	policy       string
}

func (f *marketFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.leverage, "leverage", engine.DefaultLeverage.String(), "leverage applied to rate moves")
	cmd.Flags().StringVar(&f.fundingCoeff, "funding", engine.DefaultFundingCoeff.String(), "funding coefficient in (0, 1]")
	cmd.Flags().StringVar(&f.policy, "policy", string(engine.PolicyReject), "transfer policy when a cup would be drained (reject|clamp)")
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "cupctl",
		Short:         "Offline cup perps calculator",
		Long:          `Runs the cup perps engine in memory to quote rebalances and replay market scenarios.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")

	root.AddCommand(newQuoteCmd(), newSimulateCmd(&verbose))
	return root
}

func newQuoteCmd() *cobra.Command {
	var (
		mf                 marketFlags
		long, short        string
		lastRate, nextRate string
	)
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Compute the rebalance transfer for one rate move",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := calc.RebalanceInput{}
			var err error
			for _, f := range []struct {
				name string
				raw  string
				dst  *decimal.Decimal
			}{
				{"long", long, &in.LongReserve},
				{"short", short, &in.ShortReserve},
				{"from", lastRate, &in.LastRate},
				{"to", nextRate, &in.CurrentRate},
				{"leverage", mf.leverage, &in.Leverage},
				{"funding", mf.fundingCoeff, &in.FundingCoeff},
			} {
				if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
					return fmt.Errorf("--%s: %w", f.name, err)
				}
			}

			r, err := calc.ComputeRebalance(in)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if r.NoOp {
				fmt.Fprintln(w, "no-op\trate unchanged")
				return w.Flush()
			}
			fmt.Fprintf(w, "delta\t%s\n", r.Delta)
			fmt.Fprintf(w, "funding\t%s\n", r.Funding)
			fmt.Fprintf(w, "minority\t%s\n", r.Minority)
			fmt.Fprintf(w, "transfer\t%s\n", r.Transfer)
			fmt.Fprintf(w, "direction\t%s -> %s\n", r.From, r.To)
			if r.Transfer.GreaterThanOrEqual(reserveOf(in, r.From)) {
				fmt.Fprintf(w, "warning\ttransfer exhausts the %s reserve\n", r.From)
			}
			return w.Flush()
		},
	}
	mf.register(cmd)
	cmd.Flags().StringVar(&long, "long", "", "long reserve")
	cmd.Flags().StringVar(&short, "short", "", "short reserve")
	cmd.Flags().StringVar(&lastRate, "from", "", "last applied rate")
	cmd.Flags().StringVar(&nextRate, "to", "", "new rate")
	for _, name := range []string{"long", "short", "from", "to"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

func reserveOf(in calc.RebalanceInput, s side.Side) decimal.Decimal {
	if s == side.Long {
		return in.LongReserve
	}
	return in.ShortReserve
}

// stepResult is one line of a simulation.
type stepResult struct {
	Step     string `json:"step"`
	Rate     string `json:"rate"`
	Transfer string `json:"transfer,omitempty"`
	From     string `json:"from,omitempty"`
	Minted   string `json:"minted,omitempty"`
	Payout   string `json:"payout,omitempty"`
	Long     string `json:"long"`
	Short    string `json:"short"`
	Error    string `json:"error,omitempty"`
}

func newSimulateCmd(verbose *bool) *cobra.Command {
	var (
		mf        marketFlags
		pair      string
		rate      string
		deposit   string
		asJSON    bool
		keepGoing bool
	)
	cmd := &cobra.Command{
		Use:   "simulate STEP...",
		Short: "Replay rate moves, deposits and withdrawals against a fresh market",
		Long: `Steps are applied in order:

  rate:<r>                 set the reference rate and rebalance
  deposit:<long|short>:<n> deposit n into a cup
  withdraw:<long|short>:<n> redeem n LP units minted by earlier deposits`,
		Example: "cupctl simulate --rate 100 --deposit 2000 rate:101 deposit:short:400 rate:99",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop().Sugar()
			if *verbose {
				l, err := log.NewSugar("dev")
				if err != nil {
					return err
				}
				logger = l
			}

			params, err := simulationParams(mf, pair, rate, deposit)
			if err != nil {
				return err
			}
			results, err := simulate(cmd.Context(), params, args, keepGoing, logger)
			if err != nil && len(results) == 0 {
				return err
			}
			if writeErr := writeResults(cmd.OutOrStdout(), results, asJSON); writeErr != nil {
				return writeErr
			}
			return err
		},
	}
	mf.register(cmd)
	cmd.Flags().StringVar(&pair, "pair", "BTC/USD", "market pair")
	cmd.Flags().StringVar(&rate, "rate", "100", "initial reference rate")
	cmd.Flags().StringVar(&deposit, "deposit", "2000", "initial deposit, split evenly")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue after a failed step")
	return cmd
}

func simulationParams(mf marketFlags, pair, rate, deposit string) (engine.Params, error) {
	policy, err := engine.ParsePolicy(mf.policy)
	if err != nil {
		return engine.Params{}, err
	}
	p := engine.Params{Pair: pair, Policy: policy}
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"rate", rate, &p.InitialRate},
		{"deposit", deposit, &p.Deposit},
		{"leverage", mf.leverage, &p.Leverage},
		{"funding", mf.fundingCoeff, &p.FundingCoeff},
	} {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return engine.Params{}, fmt.Errorf("--%s: %w", f.name, err)
		}
	}
	return p, nil
}

// session is a market plus the holdings its deposit steps minted.
type session struct {
	market *engine.Market
	issuer *issuance.Authority
	held   [2][]issuance.HoldingID
}

func simulate(ctx context.Context, p engine.Params, steps []string, keepGoing bool, logger *zap.SugaredLogger) ([]stepResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	feed := pricefeed.NewManual(p.InitialRate)
	issuer := issuance.NewAuthority()
	m, err := engine.Create(ctx, p, engine.Deps{
		Custody: reserve.NewMemoryVault(),
		Issuer:  issuer,
		Feed:    feed,
	}, engine.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	sess := &session{market: m, issuer: issuer}

	results := make([]stepResult, 0, len(steps))
	for _, step := range steps {
		res := stepResult{Step: step}
		stepErr := sess.apply(ctx, step, &res)

		snap := m.Snapshot()
		res.Rate = snap.CurrentRate.String()
		res.Long = snap.Long.Reserve.String()
		res.Short = snap.Short.Reserve.String()
		if stepErr != nil {
			res.Error = stepErr.Error()
		}
		results = append(results, res)

		if stepErr != nil && !keepGoing {
			return results, fmt.Errorf("step %q: %w", step, stepErr)
		}
	}
	return results, nil
}

func (s *session) apply(ctx context.Context, step string, res *stepResult) error {
	parts := strings.Split(step, ":")
	switch {
	case parts[0] == "rate" && len(parts) == 2:
		rate, err := decimal.NewFromString(parts[1])
		if err != nil {
			return err
		}
		if err := s.market.SetReferenceRate(ctx, rate); err != nil {
			return err
		}
		r, err := s.market.Rebalance(ctx)
		if err != nil {
			return err
		}
		if !r.NoOp {
			res.Transfer = r.Transfer.String()
			res.From = r.From.String()
		}
		return nil

	case (parts[0] == "deposit" || parts[0] == "withdraw") && len(parts) == 3:
		sd, err := side.Parse(parts[1])
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(parts[2])
		if err != nil {
			return err
		}
		if parts[0] == "deposit" {
			units, err := s.market.Deposit(ctx, sd, amount)
			if err != nil {
				return err
			}
			s.held[sd] = append(s.held[sd], units.Holding())
			res.Minted = units.Amount().String()
			return nil
		}
		payout, err := s.withdraw(ctx, sd, amount)
		if err != nil {
			return err
		}
		res.Payout = payout.String()
		return nil

	default:
		return fmt.Errorf("unrecognised step %q", step)
	}
}

// withdraw redeems amount units of one cup, oldest holding first.
func (s *session) withdraw(ctx context.Context, sd side.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := calc.ValidateAmount(amount, "withdraw"); err != nil {
		return decimal.Zero, err
	}
	balances := make([]decimal.Decimal, len(s.held[sd]))
	total := decimal.Zero
	for i, id := range s.held[sd] {
		bal, err := s.issuer.Balance(id)
		if err != nil {
			return decimal.Zero, err
		}
		balances[i] = bal
		total = total.Add(bal)
	}
	if amount.GreaterThan(total) {
		return decimal.Zero, fmt.Errorf("%s holdings total %s, asked for %s: %w", sd, total, amount, issuance.ErrInsufficientUnits)
	}

	payout := decimal.Zero
	remaining := amount
	for remaining.IsPositive() {
		id, bal := s.held[sd][0], balances[0]
		take := decimal.Min(bal, remaining)
		units, err := s.issuer.Take(ctx, id, take)
		if err != nil {
			return payout, err
		}
		out, err := s.market.WithdrawSide(ctx, sd, units)
		if err != nil {
			return payout, err
		}
		payout = payout.Add(out)
		remaining = remaining.Sub(take)
		if take.Equal(bal) {
			s.held[sd] = s.held[sd][1:]
			balances = balances[1:]
		}
	}
	return payout, nil
}

func writeResults(out io.Writer, results []stepResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tRATE\tTRANSFER\tFROM\tMINTED\tPAYOUT\tLONG\tSHORT\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Step, r.Rate, dash(r.Transfer), dash(r.From), dash(r.Minted), dash(r.Payout), r.Long, r.Short, dash(r.Error))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
