package checkpointd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

func Usage() {
	fmt.Fprintf(os.Stderr, `checkpointd - Filesystem Checkpoint/Rollback Tool

Usage: %s <action> [args...]

Supported actions:
  probe <device>
    Check whether <device> carries a copy-on-write log at sector 0.
    Return values:
    0:present    1:absent    2:error

  dump <device>
    Print the copy-on-write log of <device>: one line per log sector
    and per entry (original sector, stash sector, size, checksum).

  validate <device>
    Dry-run the restore of <device>: walk the whole log, verify every
    sequence number and checksum, write nothing.

  restore <device>
    Undo all writes recorded in the log of <device>, restoring its
    pre-checkpoint contents. A log that fails validation rolls block 0
    forward from its stashed copy instead.
    If env variable CHECKPOINTD_DRY_RUN is set to true, behaves
    like validate.

  state <device> <0|1|2>
    Write a bow driver state transition for <device>.

  start <retry>
    Arm a checkpoint with <retry> boot attempts; -1 arms a rollback
    on next boot.

  mark
    Burn one boot attempt off the armed retry budget.

  prepare
    Move every block-mode checkpoint mount into the prepared state.

  commit
    Make all writes since start permanent and disarm the checkpoint.

  supports
    Report whether any fstab entry participates in checkpointing.
    The fstab path is taken from env variable CHECKPOINTD_FSTAB,
    default %s.

`, os.Args[0], ETC_FSTAB)
	os.Exit(1)
}

func managerFromEnv() *Manager {
	path := os.Getenv("CHECKPOINTD_FSTAB")
	if path == "" {
		path = ETC_FSTAB
	}
	fstab, err := LoadFstab(path)
	if err != nil {
		log.Warnf("no fstab: %v", err)
	}
	return NewManager(fstab, nil)
}

func Main(args []string) {
	if len(args) < 2 {
		Usage()
	}

	// Skip '--' for backwards compatibility
	action := strings.TrimLeft(args[1], "-")

	if len(args) > 2 && action == "probe" {
		ok, err := Probe(args[2])
		if err != nil {
			log.Errorln(err)
			os.Exit(2)
		}
		if !ok {
			fmt.Println("no log")
			os.Exit(1)
		}
		fmt.Println("log present")
	} else if len(args) > 2 && action == "dump" {
		if err := Dump(args[2], os.Stdout); err != nil {
			log.Fatalln(err)
		}
	} else if len(args) > 2 && action == "validate" {
		if err := Validate(args[2]); err != nil {
			log.Fatalln(err)
		}
	} else if len(args) > 2 && action == "restore" {
		if CheckEnv("CHECKPOINTD_DRY_RUN") {
			if err := Validate(args[2]); err != nil {
				log.Fatalln(err)
			}
		} else if err := Restore(args[2]); err != nil {
			log.Fatalln(err)
		}
	} else if len(args) > 3 && action == "state" {
		if err := managerFromEnv().SetBowState(args[2], args[3]); err != nil {
			log.Fatalln(err)
		}
	} else if len(args) > 2 && action == "start" {
		retry, err := strconv.Atoi(args[2])
		if err != nil {
			Usage()
		}
		if err := managerFromEnv().Start(retry); err != nil {
			log.Fatalln(err)
		}
	} else if action == "mark" {
		if err := managerFromEnv().MarkBootAttempt(); err != nil {
			log.Fatalln(err)
		}
	} else if action == "prepare" {
		if err := managerFromEnv().Prepare(); err != nil {
			log.Fatalln(err)
		}
	} else if action == "commit" {
		m := managerFromEnv()
		if _, err := m.NeedsCheckpoint(); err != nil {
			log.Fatalln(err)
		}
		if err := m.Commit(); err != nil {
			log.Fatalln(err)
		}
	} else if action == "supports" {
		if !managerFromEnv().Supports() {
			fmt.Println("checkpoints not supported")
			os.Exit(1)
		}
		fmt.Println("checkpoints supported")
	} else {
		Usage()
	}
}
