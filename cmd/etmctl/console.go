package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/seagrayinc/etm/internal/ledger"
	"github.com/seagrayinc/etm/internal/terminal"
	"github.com/seagrayinc/etm/pkg/etm"
)

const consoleHelp = `commands:
  fare N        select a fare of N
  cancel        cancel the selected fare or pending transaction
  connect       connect to the peripheral
  disconnect    close the peripheral connection
  status        show the transaction state
  today         show today's totals
  week          show the week table
  history [N]   show the last N completed fares (sqlite ledger)
  reset         zero today's totals
  save          retry a failed ledger save
  export        write the ledger export file
  logs          show recent log entries
  quit          exit`

type console struct {
	term *terminal.Terminal
	in   io.Reader
	out  io.Writer
}

func newConsole(term *terminal.Terminal, in io.Reader, out io.Writer) *console {
	return &console{term: term, in: in, out: out}
}

// run reads commands until quit, end of input or ctx is done.
func (c *console) run(ctx context.Context) error {
	transitions, stop := c.term.Transitions(32)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, "etm terminal ready, type help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-transitions:
			if !ok {
				return nil
			}
			if t.Reason != "" {
				fmt.Fprintf(c.out, "-> %s (%s)\n", t.To, t.Reason)
			} else {
				fmt.Fprintf(c.out, "-> %s\n", t.To)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the console should exit.
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "quit", "exit":
		return true
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "fare":
		err = c.fare(args)
	case "cancel":
		err = c.term.CancelTransaction()
	case "connect":
		err = c.term.Connect(ctx)
	case "disconnect":
		err = c.term.Disconnect()
	case "status":
		c.status()
	case "today":
		c.today(c.term.Ledger())
	case "week":
		c.week(c.term.Ledger())
	case "history":
		err = c.history(ctx, args)
	case "reset":
		err = c.term.ResetToday(ctx)
	case "save":
		err = c.term.SaveLedger(ctx)
	case "export":
		var path string
		if path, err = c.term.WriteExport(); err == nil {
			fmt.Fprintf(c.out, "exported to %s\n", path)
		}
	case "logs":
		for _, e := range c.term.Logs() {
			fmt.Fprintln(c.out, e)
		}
	default:
		fmt.Fprintf(c.out, "unknown command %q, type help\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return false
}

func (c *console) fare(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fare N")
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("fare %q is not a whole number", args[0])
	}
	return c.term.SelectFare(etm.Fare(n))
}

func (c *console) status() {
	st := c.term.State()
	conn := "disconnected"
	switch {
	case c.term.Ready():
		conn = "connected"
	case c.term.Connected():
		conn = "initializing"
	}
	fmt.Fprintf(c.out, "peripheral %s, state %s", conn, st.State)
	if st.Fare > 0 {
		fmt.Fprintf(c.out, ", fare %d", st.Fare)
	}
	if tx := st.Transaction; tx != nil {
		fmt.Fprintf(c.out, ", card %s (tx %s)", tx.UID, tx.ID)
	}
	if c.term.LedgerDirty() {
		fmt.Fprint(c.out, ", ledger not saved")
	}
	fmt.Fprintln(c.out)
}

func (c *console) today(s ledger.Snapshot) {
	fmt.Fprintf(c.out, "today: %d collected, %d transactions, average %.2f\n",
		s.TodayTotal, s.TodayTx, s.TodayAverage())
}

func (c *console) week(s ledger.Snapshot) {
	fmt.Fprintf(c.out, "%-4s %-10s %8s %6s %8s\n", "day", "date", "amount", "tx", "avg")
	for _, d := range ledger.Weekdays {
		b := s.WeekData[d]
		fmt.Fprintf(c.out, "%-4s %-10s %8d %6d %8.2f\n", d, b.Date, b.Amount, b.Transactions, b.Average())
	}
	fmt.Fprintf(c.out, "week: %d collected, %d transactions\n", s.WeekTotal, s.WeekTx)
}

func (c *console) history(ctx context.Context, args []string) error {
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: history [N]")
		}
		limit = n
	}
	completions, err := c.term.History(ctx, limit)
	if err != nil {
		return err
	}
	for _, cp := range completions {
		fmt.Fprintf(c.out, "%s  %-16s %6d  %s\n", cp.At.Local().Format("2006-01-02 15:04:05"), cp.UID, cp.Fare, cp.TxID)
	}
	return nil
}
