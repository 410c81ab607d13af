package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
	"github.com/sisoputnfrba/tp-lithium-kernel/kernel"
	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

func main() {
	utils.InitLogger("INFO", "kernel")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <config_file>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s configs/kernel-config.json\n", os.Args[0])
		os.Exit(1)
	}
	configPath := os.Args[1]

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		utils.ErrorLog.Error("Config file does not exist", "file", configPath)
		os.Exit(1)
	}

	config := utils.MustLoadConfig[kernel.Config](configPath).WithDefaults()
	utils.InitLogger(config.LogLevel, "kernel")

	k, err := kernel.Boot(config)
	if err != nil {
		utils.ErrorLog.Error("Error booting the kernel", "error", err)
		os.Exit(1)
	}

	var con *console
	if config.UseTTY {
		con, err = openConsole()
		if err != nil {
			utils.ErrorLog.Error("Error opening the console", "error", err)
			os.Exit(1)
		}
		defer con.Close()
		k.Screen().SetMirror(con.Output())
	}

	loadPrograms(k, config)

	monitor := k.NewMonitor(configPath)
	monitor.StartServer(config.IPKernel, config.PortKernel)

	halted := make(chan struct{})
	go runTimer(k, halted)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	if con != nil {
		go con.Run(k, quit)
	}

	select {
	case <-quit:
		utils.InfoLog.Info("Shutting down")
	case <-halted:
		utils.InfoLog.Info("Machine halted", "panic", k.Panicked())
		if con != nil {
			// leave the panic screen up until the user quits
			<-quit
		}
	}
}

// loadPrograms queues the configured programs, or the built-in shell when
// there are none, and adds the configured threads.
func loadPrograms(k *kernel.Kernel, config kernel.Config) {
	if len(config.Programs) == 0 {
		if _, err := k.Spawn(shellImage()); err != nil {
			k.Screen().Print("Adding process failed!\n")
			utils.ErrorLog.Error("Error adding the shell", "error", err)
		}
	}

	for _, path := range config.Programs {
		image, err := os.ReadFile(path)
		if err != nil {
			utils.ErrorLog.Error("Error reading program", "path", path, "error", err)
			continue
		}
		pid, err := k.Spawn(image)
		if err != nil {
			k.Screen().Print("Adding process failed!\n")
			utils.ErrorLog.Error("Error adding program", "path", path, "error", err)
			continue
		}
		utils.InfoLog.Info("Program loaded", "path", path, "pid", pid)
	}

	for _, t := range config.Threads {
		if _, err := k.AddThread(t.PID, t.Entry); err != nil {
			utils.ErrorLog.Error("Error adding thread", "pid", t.PID, "entry", fmt.Sprintf("%#08x", t.Entry), "error", err)
		}
	}
}

// runTimer raises IRQ 0 at the rate programmed into the PIT until the
// machine halts.
func runTimer(k *kernel.Kernel, halted chan<- struct{}) {
	hz := k.Machine().TimerHz()
	if hz <= 0 {
		hz = kernel.DefaultTimerHz
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for range ticker.C {
		err := k.Interrupt(kernel.VectorTimer)
		if errors.Is(err, hal.ErrHalted) {
			close(halted)
			return
		}
		if err != nil {
			utils.ErrorLog.Error("Error delivering timer interrupt", "error", err)
		}
	}
}
