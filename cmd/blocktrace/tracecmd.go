package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/clydemeng/blocktrace/core"
	"github.com/clydemeng/blocktrace/tracing"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
)

var traceCommand = &cli.Command{
	Name:      "trace",
	Usage:     "Replay one block and print its calls and creations",
	ArgsUsage: "<number>",
	Flags:     appFlags,
	Action:    traceBlock,
	Description: `
The trace command replays a single block against the configured node without
starting the HTTP server. The records are printed as a table, followed by the
outcome of each transaction.`,
}

func traceBlock(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("need exactly one block number, got %d arguments", ctx.NArg())
	}
	number, err := strconv.ParseUint(ctx.Args().First(), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid block number %q: %v", ctx.Args().First(), err)
	}
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	logs, err := prepare(&cfg)
	if err != nil {
		return err
	}
	defer logs.Close()

	replayer, client, err := makeReplayer(ctx.Context, &cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := replayer.Replay(ctx.Context, number)
	if err != nil {
		return err
	}
	printTraces(os.Stdout, res.Traces)
	printSummary(os.Stdout, res)
	return nil
}

func printTraces(w io.Writer, traces []tracing.CallInfo) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Tx", "Action", "From", "To", "Storage", "Value", "Input"})
	for i, t := range traces {
		storage := ""
		if t.StorageAddress != t.To {
			storage = t.StorageAddress.Hex()
		}
		table.Append([]string{
			strconv.Itoa(i),
			t.TxHash.TerminalString(),
			t.Action.String(),
			t.From.Hex(),
			t.To.Hex(),
			storage,
			t.Value.Dec(),
			selector(t.Calldata),
		})
	}
	table.SetFooter([]string{"", "", "", "", "", "", "Total", strconv.Itoa(len(traces))})
	table.Render()
}

// selector shortens calldata to its 4-byte function selector.
func selector(input []byte) string {
	if len(input) > 4 {
		return hexutil.Encode(input[:4]) + "…"
	}
	return hexutil.Encode(input)
}

func printSummary(w io.Writer, res *core.ReplayResult) {
	failed := color.New(color.FgRed).SprintFunc()
	ok := color.New(color.FgGreen).SprintFunc()

	fmt.Fprintf(w, "Block %d [%s]\n", res.Number, res.Hash.TerminalString())
	for _, tx := range res.Txs {
		status := ok("ok")
		if tx.Failed {
			status = failed("failed")
		}
		line := fmt.Sprintf("  tx %-4d %s  gas=%-9d traces=%-4d creates=%-3d %s", tx.Index, tx.Hash.TerminalString(), tx.GasUsed, tx.Traces, tx.Creates, status)
		if tx.Err != nil {
			line += ": " + tx.Err.Error()
		}
		if tx.Reason != "" {
			line += fmt.Sprintf(" (%q)", tx.Reason)
		}
		fmt.Fprintln(w, line)
	}
}
