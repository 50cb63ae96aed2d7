package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"quantumdesk/internal/storage"
)

// Show prints recent alert events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if err := writeAlertTable(os.Stdout, alerts); err != nil {
		return err
	}

	count, err := store.CountMetricSnapshots(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\n%d metric snapshot rows stored\n", count)
	return nil
}

func writeAlertTable(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		_, err := fmt.Fprintln(out, "no alerts found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRule\tVenue\tInstrument\tMetric\tValue\tThreshold\tReason")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s %s\t%s\n",
			alert.TriggeredAt.UTC().Format(time.RFC3339),
			alert.RuleID,
			alert.Venue,
			alert.Instrument,
			alert.Kind,
			formatDecimal(alert.Value, 6),
			alert.Operator,
			formatDecimal(alert.Threshold, 6),
			sanitizeInline(alert.Reason),
		)
	}

	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
