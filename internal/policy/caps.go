package policy

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jarbas-ai/jarbas/internal/config"
	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
	"github.com/jarbas-ai/jarbas/internal/store"
)

// CapResult reports one cap check. Held proposals stay pending with a note;
// refused ones never enter the queue.
type CapResult struct {
	OK               bool
	RequiresApproval bool
	Note             string
}

// Caps enforces the resource and rate budgets a proposal must clear before
// it is auto-approved.
type Caps struct {
	store           *store.Store
	maxPerHour      int
	minAvailableMB  int
	dangerousTokens []string
	meminfoPath     string
}

func NewCaps(s *store.Store, cfg config.CapsConfig, dangerousTokens []string) *Caps {
	maxPerHour := cfg.MaxProposalsPerHour
	if maxPerHour <= 0 {
		maxPerHour = config.DefaultCapsMaxProposalsPerHour
	}
	minMB := cfg.MinAvailableRAMMB
	if minMB <= 0 {
		minMB = config.DefaultCapsMinAvailableRAMMB
	}
	meminfo := cfg.MeminfoPath
	if meminfo == "" {
		meminfo = "/proc/meminfo"
	}
	return &Caps{
		store:           s,
		maxPerHour:      maxPerHour,
		minAvailableMB:  minMB,
		dangerousTokens: dangerousTokens,
		meminfoPath:     meminfo,
	}
}

// CheckRate refuses a new proposal when the in-flight count over the last
// hour has reached the cap. The count spans pending, approved and executing.
func (c *Caps) CheckRate(ctx context.Context) (CapResult, error) {
	n, err := c.store.CountActiveSince(ctx, time.Now().Add(-time.Hour).UTC())
	if err != nil {
		return CapResult{}, err
	}
	if n >= c.maxPerHour {
		return CapResult{
			Note: fmt.Sprintf("rate cap reached: %d active proposals in the last hour (max %d)", n, c.maxPerHour),
		}, nil
	}
	return CapResult{OK: true}, nil
}

// CheckRAM refuses work when available memory is below the floor.
func (c *Caps) CheckRAM() (CapResult, error) {
	availableMB, err := AvailableRAMMB(c.meminfoPath)
	if err != nil {
		return CapResult{}, err
	}
	if availableMB < c.minAvailableMB {
		return CapResult{
			Note: fmt.Sprintf("memory cap: %d MB available, %d MB required", availableMB, c.minAvailableMB),
		}, nil
	}
	return CapResult{OK: true}, nil
}

// CheckTokens scans an action payload for dangerous command tokens. A hit
// does not refuse the proposal; it holds it for approval.
func (c *Caps) CheckTokens(payload string) CapResult {
	lower := strings.ToLower(payload)
	for _, token := range c.dangerousTokens {
		if strings.Contains(lower, strings.ToLower(token)) {
			return CapResult{
				OK:               true,
				RequiresApproval: true,
				Note:             "dangerous token: " + token,
			}
		}
	}
	return CapResult{OK: true}
}

// AvailableRAMMB reads MemAvailable from a meminfo-format file.
func AvailableRAMMB(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, jarbasErrors.Internal("read meminfo: " + err.Error())
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			break
		}
		return kb / 1024, nil
	}
	return 0, jarbasErrors.Internal("meminfo: MemAvailable not found")
}

// TotalRAMMB reads MemTotal from a meminfo-format file.
func TotalRAMMB(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, jarbasErrors.Internal("read meminfo: " + err.Error())
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.Atoi(fields[1])
			if err == nil {
				return kb / 1024, nil
			}
		}
	}
	return 0, jarbasErrors.Internal("meminfo: MemTotal not found")
}
