// Command kctl talks to a running kernel's monitor.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

// Config is the part of the kernel configuration kctl needs.
type Config struct {
	IPKernel   string `json:"IP_KERNEL"`
	PortKernel int    `json:"PORT_KERNEL"`
	LogLevel   string `json:"LOG_LEVEL"`
}

const usage = `Usage: %s <config_file> <command> [args]

Commands:
  stats                 allocator and scheduler counters
  ps                    list processes and threads
  spawn <path>          load an executable (path on the kernel host)
  thread <pid> [entry]  add a thread, entry defaults to the image entry point
  kill                  terminate the running process
  dump <pid>            write the frames of a process to a .dmp file
  framemap              render the frame bitmap to a PNG
`

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}

	config := utils.MustLoadConfig[Config](os.Args[1])
	level := config.LogLevel
	if level == "" {
		level = "WARN"
	}
	utils.InitLogger(level, "kctl")

	kind, data, err := parseCommand(os.Args[2], os.Args[3:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}

	client := utils.NewHTTPClient(config.IPKernel, config.PortKernel, "kctl")
	resp, err := client.SendMessage(kind, "", data)
	if err != nil {
		utils.ErrorLog.Error("Request failed", "command", os.Args[2], "error", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		utils.ErrorLog.Error("Error encoding response", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

// parseCommand maps a command line to a monitor message type and payload.
func parseCommand(cmd string, args []string) (int, map[string]interface{}, error) {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s)", cmd, n)
		}
		return nil
	}
	number := func(s string) (int64, error) {
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil || v < 0 || v > 0xFFFFFFFF {
			return 0, fmt.Errorf("invalid number %q", s)
		}
		return v, nil
	}

	switch cmd {
	case "stats":
		return utils.MessageStats, nil, nil
	case "ps":
		return utils.MessageProcesses, nil, nil
	case "kill":
		return utils.MessageKill, nil, nil
	case "framemap":
		return utils.MessageFrameMap, nil, nil
	case "spawn":
		if err := need(1); err != nil {
			return 0, nil, err
		}
		return utils.MessageSpawn, map[string]interface{}{"path": args[0]}, nil
	case "dump", "thread":
		if err := need(1); err != nil {
			return 0, nil, err
		}
		pid, err := number(args[0])
		if err != nil {
			return 0, nil, err
		}
		data := map[string]interface{}{"pid": pid}
		if cmd == "dump" {
			return utils.MessageMemDump, data, nil
		}
		if len(args) > 1 {
			entry, err := number(args[1])
			if err != nil {
				return 0, nil, err
			}
			data["entry"] = entry
		}
		return utils.MessageAddThread, data, nil
	default:
		return 0, nil, fmt.Errorf("unknown command %q", cmd)
	}
}
