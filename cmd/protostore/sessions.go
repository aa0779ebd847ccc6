package main

import (
	"database/sql"
	"fmt"

	"github.com/echomesh/protostore"
)

type sessionsCommand struct {
	Archive bool `long:"archive" description:"Archive the recipient's sessions instead of listing them"`
	PNI     bool `long:"pni" description:"Operate on the secondary identity namespace"`
	Args    struct {
		Recipient int64 `positional-arg-name:"recipient" required:"true" description:"Recipient id"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sessionsCommand) Execute(args []string) error {
	k, err := openKeyring()
	if err != nil {
		return err
	}
	defer k.Close()

	ns := protostore.NamespaceACI
	if cmd.PNI {
		ns = protostore.NamespacePNI
	}
	sessions := k.Namespace(ns).Sessions

	if cmd.Archive {
		err := k.WriteTx(func(tx *sql.Tx) error {
			return sessions.ArchiveAll(tx, cmd.Args.Recipient, nil)
		})
		if err != nil {
			return err
		}
		fmt.Printf("Archived sessions for recipient %d (%s)\n", cmd.Args.Recipient, ns)
		return nil
	}

	m, err := sessions.LoadAllForRecipient(k.Handle(), cmd.Args.Recipient)
	if err != nil {
		return err
	}
	if len(m) == 0 {
		fmt.Printf("No sessions for recipient %d (%s)\n", cmd.Args.Recipient, ns)
		return nil
	}
	fmt.Printf("Sessions for recipient %d (%s):\n", cmd.Args.Recipient, ns)
	for device := range m {
		rec, err := sessions.Load(k.Handle(), cmd.Args.Recipient, device)
		if err != nil {
			return err
		}
		state := "archived only"
		if rec != nil && rec.Current != nil {
			state = fmt.Sprintf("live, peer registration id %d", rec.Current.RemoteRegistrationID)
		}
		archived := 0
		if rec != nil {
			archived = len(rec.Archived)
		}
		fmt.Printf("  device %d: %s, %d archived chains\n", device, state, archived)
	}
	return nil
}
