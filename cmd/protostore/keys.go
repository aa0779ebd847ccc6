package main

import (
	"fmt"

	"github.com/echomesh/protostore"
)

type keysCommand struct{}

func (cmd *keysCommand) Execute(args []string) error {
	k, err := openKeyring()
	if err != nil {
		return err
	}
	defer k.Close()

	for _, ns := range []protostore.Namespace{protostore.NamespaceACI, protostore.NamespacePNI} {
		counts, err := k.Counts(ns)
		if err != nil {
			return err
		}
		fmt.Printf("%s:\n", ns)
		fmt.Printf("  one-time EC:       %d\n", counts.OneTimeEC)
		fmt.Printf("  signed EC:         %d\n", counts.SignedEC)
		fmt.Printf("  one-time kyber:    %d\n", counts.OneTimeKyber)
		fmt.Printf("  last-resort kyber: %d\n", counts.LastResortKyber)

		cur, err := k.Namespace(ns).SignedPreKeys.Current(k.Handle())
		if err != nil {
			return err
		}
		if cur != nil {
			fmt.Printf("  current signed pre-key: id=%d generated=%s\n", cur.ID, formatMillis(cur.GeneratedAt))
		}
		last, ok, err := k.Namespace(ns).SignedPreKeys.LastSuccessfulRotationDate(k.Handle())
		if err != nil {
			return err
		}
		if ok {
			fmt.Printf("  last signed rotation:   %s\n", last.Format("2006-01-02 15:04"))
		}
	}
	return nil
}
