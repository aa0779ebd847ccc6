package main

import (
	"fmt"
)

type maintainCommand struct{}

func (cmd *maintainCommand) Execute(args []string) error {
	k, err := openKeyring()
	if err != nil {
		return err
	}
	defer k.Close()

	reports, err := k.Maintain()
	if err != nil {
		return err
	}
	for _, r := range reports {
		fmt.Printf("%s: generated %d EC + %d kyber, rotated signed=%v last-resort=%v, culled %d\n",
			r.Namespace, r.GeneratedOneTimeEC, r.GeneratedOneTimeKyber,
			r.RotatedSignedEC, r.RotatedLastResort,
			r.CulledOneTimeEC+r.CulledSignedEC+r.CulledKyber)
	}
	return nil
}
