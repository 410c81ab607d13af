package kernel

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sisoputnfrba/tp-lithium-kernel/utils"
)

// NewMonitor builds the kernel's HTTP module: counters, the process listing,
// dumps and process control, one handler per message type.
func (k *Kernel) NewMonitor(configPath string) *utils.Module {
	mod := utils.NewModule("kernel", configPath)

	mod.RegisterHandler(utils.MessageHandshake, "default", k.handleHandshake(mod))
	mod.RegisterHandler(utils.MessageStats, "default", k.handleStats)
	mod.RegisterHandler(utils.MessageProcesses, "default", k.handleProcesses)
	mod.RegisterHandler(utils.MessageMemDump, "default", k.handleMemDump)
	mod.RegisterHandler(utils.MessageFrameMap, "default", k.handleFrameMap)
	mod.RegisterHandler(utils.MessageSpawn, "default", k.handleSpawn)
	mod.RegisterHandler(utils.MessageAddThread, "default", k.handleAddThread)
	mod.RegisterHandler(utils.MessageKill, "default", k.handleKill)

	utils.InfoLog.Info("Monitor handlers registered")
	return mod
}

// handleHandshake answers with the module name and the configuration file
// the kernel booted from.
func (k *Kernel) handleHandshake(mod *utils.Module) utils.HTTPHandlerFunc {
	return func(msg *utils.Message) (interface{}, error) {
		utils.InfoLog.Info("Handshake received", "origin", msg.Origin)
		return map[string]interface{}{
			"status": "OK",
			"module": mod.Name,
			"config": mod.ConfigPath,
		}, nil
	}
}

func (k *Kernel) handleStats(msg *utils.Message) (interface{}, error) {
	return k.Stats()
}

func (k *Kernel) handleProcesses(msg *utils.Message) (interface{}, error) {
	return map[string]interface{}{
		"processes": k.Processes(),
	}, nil
}

func pidField(msg *utils.Message) (uint32, error) {
	data, err := utils.DataMap(msg)
	if err != nil {
		return 0, err
	}
	pid, err := utils.IntField(data, "pid")
	if err != nil {
		return 0, err
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	return uint32(pid), nil
}

func (k *Kernel) handleMemDump(msg *utils.Message) (interface{}, error) {
	pid, err := pidField(msg)
	if err != nil {
		return nil, err
	}
	path, err := k.DumpProcess(pid)
	if err != nil {
		utils.ErrorLog.Error("Error creating memory dump", "pid", pid, "error", err)
		return nil, err
	}
	return map[string]interface{}{
		"status": "OK",
		"path":   path,
	}, nil
}

func (k *Kernel) handleFrameMap(msg *utils.Message) (interface{}, error) {
	if err := os.MkdirAll(k.cfg.DumpPath, 0755); err != nil {
		return nil, fmt.Errorf("creating dump directory: %w", err)
	}
	path := filepath.Join(k.cfg.DumpPath, fmt.Sprintf("frames-%s.png", time.Now().Format("20060102-150405")))

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating frame map: %w", err)
	}
	defer f.Close()

	if err := k.RenderFrameMap(f); err != nil {
		utils.ErrorLog.Error("Error rendering frame map", "error", err)
		return nil, err
	}
	utils.InfoLog.Info("Frame map written", "path", path)
	return map[string]interface{}{
		"status": "OK",
		"path":   path,
	}, nil
}

// handleSpawn loads an executable given either as a path on the kernel host
// or inline as base64.
func (k *Kernel) handleSpawn(msg *utils.Message) (interface{}, error) {
	data, err := utils.DataMap(msg)
	if err != nil {
		return nil, err
	}

	// A path wins over an inline image
	var image []byte
	if path, err := utils.StringField(data, "path"); err == nil {
		if image, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading executable: %w", err)
		}
	} else {
		encoded, err := utils.StringField(data, "image")
		if err != nil {
			return nil, fmt.Errorf("spawn needs a path or an image")
		}
		if image, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	pid, err := k.Spawn(image)
	if err != nil {
		utils.ErrorLog.Error("Error spawning process", "origin", msg.Origin, "error", err)
		return nil, err
	}
	return map[string]interface{}{
		"status": "OK",
		"pid":    pid,
	}, nil
}

func (k *Kernel) handleAddThread(msg *utils.Message) (interface{}, error) {
	pid, err := pidField(msg)
	if err != nil {
		return nil, err
	}
	data, _ := utils.DataMap(msg)
	// Without an entry the thread starts at the image entry point
	entry, err := utils.IntField(data, "entry")
	if err != nil {
		entry = 0
	}

	tid, err := k.AddThread(pid, uint32(entry))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "OK",
		"pid":    pid,
		"tid":    tid,
	}, nil
}

func (k *Kernel) handleKill(msg *utils.Message) (interface{}, error) {
	pid, err := k.Kill()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "OK",
		"pid":    pid,
	}, nil
}
