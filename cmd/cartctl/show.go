package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"bookmart/internal/cart"
	"bookmart/internal/checkout"
	"bookmart/internal/session"
	"bookmart/internal/state"
)

func runShow(cfg *Config, sessionID string) error {
	st, err := cfg.openState()
	if err != nil {
		return fmt.Errorf("init state: %w", err)
	}
	defer st.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	if sessionID == "" {
		return listCarts(w, st)
	}
	if !session.ValidID(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}

	// A bare store, not a session.Manager, so nothing is subscribed.
	c := cart.New(state.Scoped(st, session.Prefix(sessionID)), cfg.logger())
	c.Rehydrate()
	snap := c.Snapshot()
	if snap.Empty() {
		fmt.Fprintf(w, "session %s has an empty cart\n", sessionID)
		return nil
	}
	fmt.Fprintln(w, "BOOK\tTITLE\tQTY\tPRICE\tTOTAL")
	for _, l := range snap.Lines {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", l.BookID, l.Title, l.Quantity, l.Price.StringFixed(2), l.Total().StringFixed(2))
	}
	sum := checkout.Summarize(snap)
	fmt.Fprintf(w, "\t\titems %d\tsubtotal\t%s\n", snap.TotalItemCount, sum.Subtotal.StringFixed(2))
	fmt.Fprintf(w, "\t\t\tshipping\t%s\n", sum.Shipping.StringFixed(2))
	fmt.Fprintf(w, "\t\t\ttax\t%s\n", sum.Tax.StringFixed(2))
	fmt.Fprintf(w, "\t\t\ttotal\t%s\n", sum.Total.StringFixed(2))
	return nil
}

func listCarts(w *tabwriter.Writer, st state.Store) error {
	fmt.Fprintln(w, "SESSION\tLINES\tITEMS\tSUBTOTAL")
	n := 0
	err := st.Range(session.KeyRoot(), func(key string, val []byte) error {
		id, rest, ok := session.Split(key)
		if !ok || rest != cart.StorageKey {
			return nil
		}
		lines, _, err := cart.Decode(val)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\tunreadable: %v\n", id, err)
			return nil
		}
		snap := cart.NewSnapshot(lines)
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", id, len(snap.Lines), snap.TotalItemCount, snap.Subtotal.StringFixed(2))
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("range: %w", err)
	}
	fmt.Fprintf(w, "%d carts\n", n)
	return nil
}
