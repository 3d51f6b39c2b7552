// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Inventory is the static hardware of one machine.
type Inventory struct {
	CPUModel      string `json:"cpu_model,omitempty"`
	Threads       int    `json:"threads"`
	MemoryTotalMB int    `json:"memory_total_mb"`
	KernelVersion string `json:"kernel_version,omitempty"`

	// GPUVendors lists the vendor of every DRM card, sorted, with
	// duplicates removed.
	GPUVendors []string `json:"gpu_vendors,omitempty"`
}

// Probe reads the local machine's inventory.
func Probe() Inventory {
	inventory := probeFrom("/proc", "/sys")
	inventory.KernelVersion = kernelVersion()
	return inventory
}

func probeFrom(procRoot, sysRoot string) Inventory {
	inventory := Inventory{
		CPUModel:      readCPUModel(filepath.Join(procRoot, "cpuinfo")),
		Threads:       runtime.NumCPU(),
		MemoryTotalMB: readMemTotalMB(filepath.Join(procRoot, "meminfo")),
		GPUVendors:    gpuVendors(filepath.Join(sysRoot, "class/drm")),
	}
	return inventory
}

// Properties renders the inventory as agent properties. Memory is
// rounded down to whole gigabytes so agents with slightly different
// reserved memory still share a property value.
func (i Inventory) Properties() []string {
	properties := []string{"threads=" + strconv.Itoa(i.Threads)}
	if i.MemoryTotalMB > 0 {
		properties = append(properties, "memory_gb="+strconv.Itoa(i.MemoryTotalMB/1024))
	}
	if i.KernelVersion != "" {
		properties = append(properties, "kernel="+i.KernelVersion)
	}
	for _, vendor := range i.GPUVendors {
		properties = append(properties, "gpu="+vendor)
	}
	return properties
}

func kernelVersion() string {
	var name unix.Utsname
	if err := unix.Uname(&name); err != nil {
		return ""
	}
	return unix.ByteSliceToString(name.Release[:])
}

// readCPUModel returns the first "model name" in cpuinfo.
func readCPUModel(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(key) == "model name" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// readMemTotalMB parses the MemTotal line of meminfo, which is in kB.
func readMemTotalMB(path string) int {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		rest, ok := strings.CutPrefix(scanner.Text(), "MemTotal:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0
		}
		kilobytes, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0
		}
		return kilobytes / 1024
	}
	return 0
}

// gpuVendors reads the PCI vendor of every card under the DRM class
// directory.
func gpuVendors(drmRoot string) []string {
	entries, err := os.ReadDir(drmRoot)
	if err != nil {
		return nil
	}
	var vendors []string
	for _, entry := range entries {
		if !isCardDevice(entry.Name()) {
			continue
		}
		vendor := pciVendorName(readPCIVendorID(filepath.Join(drmRoot, entry.Name(), "device")))
		if vendor != "" && !slices.Contains(vendors, vendor) {
			vendors = append(vendors, vendor)
		}
	}
	slices.Sort(vendors)
	return vendors
}

// isCardDevice accepts card0, card1, ... and rejects connectors
// (card0-DP-1) and render nodes (renderD128).
func isCardDevice(name string) bool {
	suffix, ok := strings.CutPrefix(name, "card")
	if !ok || suffix == "" {
		return false
	}
	_, err := strconv.Atoi(suffix)
	return err == nil
}

// readPCIVendorID returns the lowercase vendor half of PCI_ID in the
// device's uevent file ("PCI_ID=10DE:2684" gives "10de").
func readPCIVendorID(devicePath string) string {
	data, err := os.ReadFile(filepath.Join(devicePath, "uevent"))
	if err != nil {
		return ""
	}
	for line := range strings.Lines(string(data)) {
		value, ok := strings.CutPrefix(strings.TrimSpace(line), "PCI_ID=")
		if !ok {
			continue
		}
		vendor, _, _ := strings.Cut(value, ":")
		return strings.ToLower(vendor)
	}
	return ""
}

func pciVendorName(vendorID string) string {
	switch vendorID {
	case "":
		return ""
	case "1002":
		return "amd"
	case "10de":
		return "nvidia"
	case "8086":
		return "intel"
	default:
		return "0x" + vendorID
	}
}
