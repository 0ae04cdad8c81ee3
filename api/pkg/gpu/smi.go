package gpu

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fleetml/fleet/api/pkg/types"
)

const (
	VendorNVIDIA = "nvidia"
	VendorAMD    = "amd"
)

// SMIProbe shells out to the vendor monitoring tool (nvidia-smi or rocm-smi)
// to enumerate devices. Vendor detection happens once at construction; the
// device IDs it reports are the tool's own indices, which are stable for the
// lifetime of the host.
type SMIProbe struct {
	commander Commander
	vendor    string
}

func NewSMIProbe(commander Commander) *SMIProbe {
	p := &SMIProbe{commander: commander}
	p.vendor = p.detectVendor()
	if p.vendor == "" {
		log.Warn().Msg("no GPU vendor tool found, probe will report no GPUs visible")
	} else {
		log.Info().Str("vendor", p.vendor).Msg("detected GPU vendor")
	}
	return p
}

func (p *SMIProbe) Vendor() string {
	return p.vendor
}

func (p *SMIProbe) detectVendor() string {
	if _, err := p.commander.LookPath("nvidia-smi"); err == nil {
		return VendorNVIDIA
	}
	if _, err := p.commander.LookPath("rocm-smi"); err == nil {
		return VendorAMD
	}
	return ""
}

func (p *SMIProbe) ListGPUs(ctx context.Context) ([]types.GPUInfo, error) {
	switch p.vendor {
	case VendorNVIDIA:
		return p.listNVIDIA(ctx)
	case VendorAMD:
		return p.listAMD(ctx)
	default:
		return nil, types.NewError(types.ErrorKindProbe, types.CodeProbeUnavailable,
			"no GPU monitoring tool available on this host")
	}
}

func (p *SMIProbe) listNVIDIA(ctx context.Context) ([]types.GPUInfo, error) {
	out, err := p.commander.Output(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu,power.draw",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, types.WrapError(types.ErrorKindProbe, types.CodeProbeUnavailable, err,
			"nvidia-smi query failed")
	}
	infos := parseNVIDIAQuery(string(out))
	if len(infos) == 0 {
		return nil, types.NewError(types.ErrorKindProbe, types.CodeProbeUnavailable,
			"nvidia-smi returned no parseable devices")
	}
	return infos, nil
}

// parseNVIDIAQuery parses nvidia-smi CSV output, one device per line:
// "0, NVIDIA H100 PCIe, 81559, 2048, 79511, 17, 41, 68.50"
func parseNVIDIAQuery(output string) []types.GPUInfo {
	var infos []types.GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 8 {
			log.Error().Str("line", line).Msg("unexpected nvidia-smi CSV line, skipping")
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			log.Error().Err(err).Str("line", line).Msg("error parsing GPU index")
			continue
		}
		total := parseUintField(parts[2], line, "memory.total")
		used := parseUintField(parts[3], line, "memory.used")
		free := parseUintField(parts[4], line, "memory.free")
		infos = append(infos, types.GPUInfo{
			DeviceID:       index,
			Vendor:         VendorNVIDIA,
			ModelName:      strings.TrimSpace(parts[1]),
			MemoryTotalMB:  total,
			MemoryUsedMB:   used,
			MemoryFreeMB:   free,
			UtilizationPct: parseFloatField(parts[5]),
			TemperatureC:   parseFloatField(parts[6]),
			PowerW:         parseFloatField(parts[7]),
		})
	}
	return infos
}

func (p *SMIProbe) listAMD(ctx context.Context) ([]types.GPUInfo, error) {
	out, err := p.commander.Output(ctx, "rocm-smi", "--showmeminfo", "vram", "--csv")
	if err != nil {
		return nil, types.WrapError(types.ErrorKindProbe, types.CodeProbeUnavailable, err,
			"rocm-smi query failed")
	}
	infos := parseROCmVRAM(string(out))
	if len(infos) == 0 {
		return nil, types.NewError(types.ErrorKindProbe, types.CodeProbeUnavailable,
			"rocm-smi returned no parseable devices")
	}
	return infos, nil
}

// parseROCmVRAM parses rocm-smi CSV output: "device,vram_total,vram_used"
// with values in MiB, e.g. "card0,16384,8192". Utilization, temperature and
// power are not reported through this query; they stay zero.
func parseROCmVRAM(output string) []types.GPUInfo {
	var infos []types.GPUInfo
	index := 0
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "device,") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			log.Error().Str("line", line).Msg("unexpected rocm-smi CSV line, expected 3 columns")
			continue
		}
		total := parseUintField(parts[1], line, "vram_total")
		used := parseUintField(parts[2], line, "vram_used")
		var free uint64
		if total > used {
			free = total - used
		}
		infos = append(infos, types.GPUInfo{
			DeviceID:      index,
			Vendor:        VendorAMD,
			ModelName:     strings.TrimSpace(parts[0]),
			MemoryTotalMB: total,
			MemoryUsedMB:  used,
			MemoryFreeMB:  free,
		})
		index++
	}
	return infos
}

func parseUintField(field, line, name string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(field), 10, 64)
	if err != nil {
		log.Error().Err(err).Str("line", line).Str("field", name).Msg("error parsing GPU memory field")
		return 0
	}
	return v
}

func parseFloatField(field string) float64 {
	field = strings.TrimSpace(field)
	// nvidia-smi reports "[N/A]" for power on some devices
	if field == "" || strings.HasPrefix(field, "[") {
		return 0
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0
	}
	return v
}
