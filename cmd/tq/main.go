package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/msageha/tq/internal/daemon"
	"github.com/msageha/tq/internal/lock"
	"github.com/msageha/tq/internal/model"
	"github.com/msageha/tq/internal/setup"
	"github.com/msageha/tq/internal/status"
	"github.com/msageha/tq/internal/store"
	"github.com/msageha/tq/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "remove":
		runRemove(os.Args[2:])
	case "purge":
		runPurge(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "start":
		runStart(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "kill":
		runKill(os.Args[2:])
	case "version":
		fmt.Printf("tq %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `tq - preemptive single-host task queue

usage: tq <command> [options]

  init    [--dir D]                   initialize the base directory
  submit  [options] <command...>      queue a task
  status  [--json]                    show every queue
  list    [-q queue]                  show queued tasks in pop order
  remove  -q queue <id>               delete a queued task by id
  purge   [-q queue]                  delete all queued tasks
  daemon  [-q queue]                  run the scheduler in the foreground
  start   [-q queue]                  start the scheduler in the background
  stop    [-q queue]                  stop the scheduler (task keeps running)
  kill    [-q queue]                  terminate the running task
  version                             print the version

submit options:
  -q queue   target queue (default "0"; "0,1" binds devices, "cpu" is generic)
  -p prio    priority, lower runs first (default 100)
  -g sec     grace period before SIGKILL on preemption (default 180)
  -t tag     tag for the log file name (default "default")
  -w dir     working directory for the task
  -e env     environment name, exported as TQ_TASK_ENV
  -r handle  restore handle recorded in the log header
  -l path    existing log file to append to (resume)

The base directory is --dir, else $TQ_DIR, else ~/task_queue.
`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// splitDirFlag removes --dir from args and resolves the base directory.
func splitDirFlag(args []string) (string, []string) {
	dir := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--dir" {
			if i+1 >= len(args) {
				fatalf("--dir requires a value")
			}
			i++
			dir = args[i]
			continue
		}
		rest = append(rest, args[i])
	}
	if dir == "" {
		dir = model.DefaultBaseDir()
	}
	return dir, rest
}

func parseQueueArg(args []string) (model.QueueName, []string) {
	name := "0"
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "-q" {
			if i+1 >= len(args) {
				fatalf("-q requires a value")
			}
			i++
			name = args[i]
			continue
		}
		rest = append(rest, args[i])
	}
	q, err := model.ParseQueueName(name)
	if err != nil {
		fatalf("%v", err)
	}
	return q, rest
}

func openStore(baseDir string) *store.Store {
	st, err := store.Open(model.StorePath(baseDir), nil)
	if err != nil {
		fatalf("open store: %v (run 'tq init' first?)", err)
	}
	return st
}

func runInit(args []string) {
	base, rest := splitDirFlag(args)
	if len(rest) != 0 {
		fatalf("usage: tq init [--dir D]")
	}
	created, err := setup.Run(base)
	if err != nil {
		fatalf("init: %v", err)
	}
	fmt.Printf("Initialized %s\n", created)
}

func runSubmit(args []string) {
	base, rest := splitDirFlag(args)

	cfg, err := model.LoadConfig(base)
	if err != nil {
		fatalf("load config: %v", err)
	}

	queueName := "0"
	rec := model.NewTaskRecord("")
	rec.Priority = cfg.Defaults.Priority
	rec.GraceSeconds = cfg.Defaults.GraceSeconds
	rec.Tag = cfg.Defaults.Tag

	var command []string
	for i := 0; i < len(rest); i++ {
		if len(command) > 0 {
			command = append(command, rest[i])
			continue
		}
		switch rest[i] {
		case "-q":
			i = nextValue(rest, i, "-q")
			queueName = rest[i]
		case "-p":
			i = nextValue(rest, i, "-p")
			n, err := strconv.Atoi(rest[i])
			if err != nil {
				fatalf("invalid -p value: %s", rest[i])
			}
			rec.Priority = n
		case "-g":
			i = nextValue(rest, i, "-g")
			n, err := strconv.Atoi(rest[i])
			if err != nil || n < 0 {
				fatalf("invalid -g value: %s", rest[i])
			}
			rec.GraceSeconds = n
		case "-t":
			i = nextValue(rest, i, "-t")
			rec.Tag = rest[i]
		case "-w":
			i = nextValue(rest, i, "-w")
			rec.WorkDir = rest[i]
		case "-e":
			i = nextValue(rest, i, "-e")
			rec.EnvOverride = rest[i]
		case "-r":
			i = nextValue(rest, i, "-r")
			rec.RestoreHandle = rest[i]
		case "-l":
			i = nextValue(rest, i, "-l")
			rec.LogPath = rest[i]
		default:
			// First non-flag token: everything from here is the task
			// command line, verbatim.
			command = append(command, rest[i])
		}
	}
	if len(command) == 0 {
		fatalf("usage: tq submit [options] <command...>")
	}
	rec.Command = strings.Join(command, " ")

	q, err := model.ParseQueueName(queueName)
	if err != nil {
		fatalf("%v", err)
	}

	st := openStore(base)
	defer st.Close()
	if err := st.Push(q.String(), rec); err != nil {
		fatalf("submit: %v", err)
	}
	fmt.Printf("Queued on %s: prio %d, tag %s\n", q.String(), rec.Priority, rec.Tag)

	// Best effort: wake a running daemon so the task starts without
	// waiting out the poll interval.
	client := uds.NewClient(model.SocketPath(base, q.String()))
	client.SetTimeout(time.Second)
	_, _ = client.SendCommand(uds.CmdScan, nil)
}

func nextValue(args []string, i int, flag string) int {
	if i+1 >= len(args) {
		fatalf("%s requires a value", flag)
	}
	return i + 1
}

func runStatus(args []string) {
	base, rest := splitDirFlag(args)
	jsonOutput := false
	for _, a := range rest {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fatalf("unknown flag: %s\nusage: tq status [--json]", a)
		}
	}
	if err := status.Run(base, jsonOutput); err != nil {
		fatalf("status: %v", err)
	}
}

func runList(args []string) {
	base, rest := splitDirFlag(args)
	q, rest := parseQueueArg(rest)
	if len(rest) != 0 {
		fatalf("usage: tq list [-q queue]")
	}

	st := openStore(base)
	defer st.Close()
	tasks, err := st.List(q.String())
	if err != nil {
		fatalf("list: %v", err)
	}
	if len(tasks) == 0 {
		fmt.Printf("Queue %s is empty.\n", q.String())
		return
	}
	fmt.Printf("%-6s %-6s %-12s %s\n", "ID", "PRIO", "TAG", "COMMAND")
	for _, task := range tasks {
		fmt.Printf("%-6d %-6d %-12s %s\n",
			task.ID, task.Record.Priority, task.Record.Tag, task.Record.Command)
	}
}

func runRemove(args []string) {
	base, rest := splitDirFlag(args)
	q, rest := parseQueueArg(rest)
	if len(rest) != 1 {
		fatalf("usage: tq remove -q queue <id>")
	}
	id, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		fatalf("invalid id: %s", rest[0])
	}

	st := openStore(base)
	defer st.Close()
	if err := st.Remove(q.String(), id); err != nil {
		fatalf("remove: %v", err)
	}
	fmt.Printf("Removed task %d from %s\n", id, q.String())
}

func runPurge(args []string) {
	base, rest := splitDirFlag(args)
	q, rest := parseQueueArg(rest)
	if len(rest) != 0 {
		fatalf("usage: tq purge [-q queue]")
	}

	st := openStore(base)
	defer st.Close()
	n, err := st.Purge(q.String())
	if err != nil {
		fatalf("purge: %v", err)
	}
	fmt.Printf("Purged %d task(s) from %s\n", n, q.String())
}

func runDaemon(args []string) {
	base, rest := splitDirFlag(args)
	q, rest := parseQueueArg(rest)
	if len(rest) != 0 {
		fatalf("usage: tq daemon [-q queue]")
	}

	cfg, err := model.LoadConfig(base)
	if err != nil {
		fatalf("load config: %v", err)
	}

	d, err := daemon.New(base, q, cfg)
	if err != nil {
		fatalf("daemon: %v", err)
	}
	if err := d.Run(); err != nil {
		fatalf("daemon: %v", err)
	}
}

func runStart(args []string) {
	base, rest := splitDirFlag(args)
	q, rest := parseQueueArg(rest)
	if len(rest) != 0 {
		fatalf("usage: tq start [-q queue]")
	}

	if pid, alive, ok := lock.Holder(model.LockPath(base, q.String())); ok && alive {
		fatalf("scheduler for %s already running (pid %d)", q.String(), pid)
	}

	self, err := os.Executable()
	if err != nil {
		fatalf("resolve executable: %v", err)
	}

	cmd := exec.Command(self, "daemon", "-q", q.String(), "--dir", base)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		fatalf("open %s: %v", os.DevNull, err)
	}
	defer devNull.Close()
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	if err := cmd.Start(); err != nil {
		fatalf("spawn daemon: %v", err)
	}
	// Detach: the daemon outlives this process.
	_ = cmd.Process.Release()

	// Wait briefly for the lock so a startup failure is reported here
	// instead of silently.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pid, alive, ok := lock.Holder(model.LockPath(base, q.String())); ok && alive {
			fmt.Printf("Scheduler for %s started (pid %d)\n", q.String(), pid)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fatalf("scheduler for %s did not come up; check %s",
		q.String(), model.SchedulerLogPath(base, q.String()))
}

func runStop(args []string) {
	base, rest := splitDirFlag(args)
	q, rest := parseQueueArg(rest)
	if len(rest) != 0 {
		fatalf("usage: tq stop [-q queue]")
	}

	lockPath := model.LockPath(base, q.String())
	pid, alive, ok := lock.Holder(lockPath)
	if !ok || !alive {
		fmt.Printf("Scheduler for %s is not running.\n", q.String())
		return
	}

	// Graceful shutdown over the socket; SIGTERM at the pidfile's pid
	// when the socket does not answer. The running task is untouched
	// either way.
	client := uds.NewClient(model.SocketPath(base, q.String()))
	client.SetTimeout(2 * time.Second)
	if _, err := client.SendCommand(uds.CmdShutdown, nil); err != nil {
		if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
			fatalf("signal daemon %d: %v", pid, err)
		}
	}

	cfg, err := model.LoadConfig(base)
	if err != nil {
		fatalf("load config: %v", err)
	}
	deadline := time.Now().Add(cfg.ShutdownTimeout())
	for time.Now().Before(deadline) {
		if _, alive, ok := lock.Holder(lockPath); !ok || !alive {
			fmt.Printf("Scheduler for %s stopped.\n", q.String())
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	fatalf("scheduler for %s (pid %d) did not stop within %s",
		q.String(), pid, cfg.ShutdownTimeout())
}

func runKill(args []string) {
	base, rest := splitDirFlag(args)
	q, rest := parseQueueArg(rest)
	if len(rest) != 0 {
		fatalf("usage: tq kill [-q queue]")
	}

	st := openStore(base)
	defer st.Close()
	pid, err := daemon.KillRunning(st, q.String())
	if err != nil {
		fatalf("kill: %v", err)
	}
	fmt.Printf("Sent SIGTERM to task group %d on %s\n", pid, q.String())
}
