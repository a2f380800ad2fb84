package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/retreatkit/lineup"
)

const LineupCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Lineup control.

Operates the retreat lineup roster from a terminal, over the same sync core
the dashboard uses. Credentials and urls come from the config file and can
be overridden with LINEUP_* environment variables.

Usage:
    lineupctl login [--config=<config>] --email=<email> [--password=<password>]
    lineupctl lineups [--config=<config>] --retreat=<retreat_id>
    lineupctl watch [--config=<config>] --retreat=<retreat_id>
    lineupctl set-gbs [--config=<config>] --retreat=<retreat_id>
        --record=<record_id> [<gbs_number>]
    lineupctl memo add [--config=<config>] --retreat=<retreat_id>
        --record=<record_id> [--color=<color>] <memo>
    lineupctl memo rm [--config=<config>] --retreat=<retreat_id>
        --record=<record_id>

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<config>      Config file path.
    --email=<email>        Login email.
    --password=<password>  Login password. Prompted when omitted.
    --retreat=<retreat_id> Retreat id.
    --record=<record_id>   Lineup record id.
    --color=<color>        Memo tag color.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LineupCtlVersion)
	if err != nil {
		panic(err)
	}

	configPath, _ := opts.String("--config")
	config, err := LoadConfig(configPath)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts, config)
	} else if lineups_, _ := opts.Bool("lineups"); lineups_ {
		lineups(opts, config)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts, config)
	} else if setGbs_, _ := opts.Bool("set-gbs"); setGbs_ {
		setGbs(opts, config)
	} else if memo_, _ := opts.Bool("memo"); memo_ {
		if add_, _ := opts.Bool("add"); add_ {
			memoAdd(opts, config)
		} else if rm_, _ := opts.Bool("rm"); rm_ {
			memoRm(opts, config)
		}
	}
}

func auth(config *Config) *lineup.SessionAuth {
	return &lineup.SessionAuth{
		SessionCookie: config.Cookie,
		ByJwt:         config.ByJwt,
	}
}

func retreatId(opts docopt.Opts) int64 {
	retreatIdStr, _ := opts.String("--retreat")
	retreatId, err := strconv.ParseInt(retreatIdStr, 10, 64)
	if err != nil {
		Err.Fatalf("Invalid retreat id (%s).", err)
	}
	return retreatId
}

func recordId(opts docopt.Opts) int64 {
	recordIdStr, _ := opts.String("--record")
	recordId, err := strconv.ParseInt(recordIdStr, 10, 64)
	if err != nil {
		Err.Fatalf("Invalid record id (%s).", err)
	}
	return recordId
}

func login(opts docopt.Opts, config *Config) {
	email, _ := opts.String("--email")
	password, _ := opts.String("--password")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Read password (%s).", err)
		}
		password = string(passwordBytes)
	}

	api := lineup.NewRetreatApi(config.ApiUrl, auth(config))
	defer api.Close()

	result, err := api.AuthLoginSync(context.Background(), &lineup.AuthLoginArgs{
		Email:    email,
		Password: password,
	})
	if err != nil {
		Err.Fatalf("Login failed (%s).", err)
	}
	if result.Error != nil {
		Err.Fatalf("Login failed (%s).", result.Error.Message)
	}

	if staff, err := lineup.ParseStaffUnverified(result.ByJwt); err == nil && staff.Name != "" {
		Err.Printf("Logged in as %s (%s).", staff.Name, staff.Role)
	}
	Out.Printf("%s", result.ByJwt)
}

func lineups(opts docopt.Opts, config *Config) {
	api := lineup.NewRetreatApi(config.ApiUrl, auth(config))
	defer api.Close()

	records, err := api.GetLineupsSync(context.Background(), retreatId(opts))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	printRecords(records)
}

func printRecords(records []*lineup.LineupRecord) {
	for _, record := range records {
		printRecord(record)
	}
}

func printRecord(record *lineup.LineupRecord) {
	gbs := "-"
	if record.GbsNumber != nil {
		gbs = strconv.Itoa(*record.GbsNumber)
	}
	leader := " "
	if record.IsLeader {
		leader = "L"
	}
	Out.Printf("%8d %s gbs=%-4s %-12s %-2s %-8s %s",
		record.Id, leader, gbs, record.UserName, record.Gender, record.Grade, record.Memo)
}

func watch(opts docopt.Opts, config *Config) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := lineup.NewRetreatApiWithContext(cancelCtx, config.ApiUrl, auth(config))
	defer api.Close()

	syncer := lineup.NewSyncerWithDefaults(cancelCtx, api, config.PushUrl)
	defer syncer.Close()

	watchRetreatId := retreatId(opts)

	snapshot, err := syncer.Watch(cancelCtx, watchRetreatId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	printRecords(snapshot.Records)

	syncer.AddSubscriber(watchRetreatId, func(snapshot *lineup.RosterSnapshot, err error) {
		if err != nil {
			Err.Printf("refresh error (%s)", err)
			return
		}
		Out.Printf("---")
		printRecords(snapshot.Records)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	syncer.Unwatch(watchRetreatId)
}

func openSyncer(opts docopt.Opts, config *Config) (context.CancelFunc, *lineup.Syncer, int64) {
	cancelCtx, cancel := context.WithCancel(context.Background())

	api := lineup.NewRetreatApiWithContext(cancelCtx, config.ApiUrl, auth(config))
	syncer := lineup.NewSyncerWithDefaults(cancelCtx, api, config.PushUrl)

	mutateRetreatId := retreatId(opts)
	if _, err := syncer.Watch(cancelCtx, mutateRetreatId); err != nil {
		Err.Fatalf("%s", err)
	}
	return cancel, syncer, mutateRetreatId
}

func setGbs(opts docopt.Opts, config *Config) {
	cancel, syncer, mutateRetreatId := openSyncer(opts, config)
	defer cancel()
	defer syncer.Close()

	var gbsNumber *int
	if gbsNumberStr, err := opts.String("<gbs_number>"); err == nil && gbsNumberStr != "" {
		n, err := strconv.Atoi(gbsNumberStr)
		if err != nil {
			Err.Fatalf("Invalid gbs number (%s).", err)
		}
		gbsNumber = &n
	}

	confirmed, err := syncer.AssignGbsNumber(context.Background(), mutateRetreatId, recordId(opts), gbsNumber)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	printRecord(confirmed)
}

func memoAdd(opts docopt.Opts, config *Config) {
	cancel, syncer, mutateRetreatId := openSyncer(opts, config)
	defer cancel()
	defer syncer.Close()

	memo, _ := opts.String("<memo>")
	color, _ := opts.String("--color")

	memoRecordId := recordId(opts)
	snapshot := syncer.Snapshot(mutateRetreatId)
	record := snapshot.Record(memoRecordId)
	if record == nil {
		Err.Fatalf("Unknown record %d.", memoRecordId)
	}

	var confirmed *lineup.LineupRecord
	var err error
	if record.MemoId != nil {
		confirmed, err = syncer.UpdateMemo(context.Background(), mutateRetreatId, memoRecordId, *record.MemoId, memo, color)
	} else {
		confirmed, err = syncer.CreateMemo(context.Background(), mutateRetreatId, memoRecordId, memo, color)
	}
	if err != nil {
		Err.Fatalf("%s", err)
	}
	printRecord(confirmed)
}

func memoRm(opts docopt.Opts, config *Config) {
	cancel, syncer, mutateRetreatId := openSyncer(opts, config)
	defer cancel()
	defer syncer.Close()

	memoRecordId := recordId(opts)
	snapshot := syncer.Snapshot(mutateRetreatId)
	record := snapshot.Record(memoRecordId)
	if record == nil {
		Err.Fatalf("Unknown record %d.", memoRecordId)
	}
	if record.MemoId == nil {
		Err.Fatalf("Record %d has no memo.", memoRecordId)
	}

	confirmed, err := syncer.DeleteMemo(context.Background(), mutateRetreatId, memoRecordId, *record.MemoId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	printRecord(confirmed)
}
