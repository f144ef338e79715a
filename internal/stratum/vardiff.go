package stratum

import (
	"math/big"
	"time"

	"github.com/kaspool/kaspool/internal/config"
	"github.com/kaspool/kaspool/internal/util"
)

// vardiffState is the per-session retarget controller state.
type vardiffState struct {
	lastShareAt  time.Time
	lastChangeAt time.Time
	shareCount   int
}

// longIdleCap bounds the share gap used for the ramp-down weight.
const longIdleCap = 300.0

// adjustDifficulty runs the retarget controller on one accepted share.
// It returns the new difficulty, or nil when no change applies. The
// controller targets cfg.TargetTime seconds between shares, bounds each
// step by cfg.MaxChange and clamps into [MinDifficulty, MaxDifficulty].
func adjustDifficulty(cfg *config.VardiffConfig, vd *vardiffState, current *big.Rat, now time.Time) *big.Rat {
	prevShare := vd.lastShareAt
	vd.lastShareAt = now
	vd.shareCount++

	if vd.shareCount < 2 {
		return nil
	}
	if now.Sub(vd.lastChangeAt).Seconds() < cfg.ChangeInterval {
		return nil
	}

	delta := now.Sub(prevShare).Seconds()
	if delta <= 0 {
		delta = 0.001
	}

	minTarget := cfg.TargetTime * (1 - cfg.VariancePercent/100)
	maxTarget := cfg.TargetTime * (1 + cfg.VariancePercent/100)

	var factor float64
	switch {
	case delta < minTarget:
		factor = cfg.TargetTime / delta
		if factor > cfg.MaxChange {
			factor = cfg.MaxChange
		}
	case delta > maxTarget:
		capped := delta
		if capped > longIdleCap {
			capped = longIdleCap
		}
		weight := capped / longIdleCap
		factor = cfg.TargetTime / delta
		if factor < 1/cfg.MaxChange {
			factor = 1 / cfg.MaxChange
		}
		factor *= weight
	default:
		return nil
	}

	newDiff := new(big.Rat).Mul(current, floatRat(factor))

	minDiff := floatRat(cfg.MinDifficulty)
	maxDiff := floatRat(cfg.MaxDifficulty)
	if newDiff.Cmp(minDiff) < 0 {
		newDiff = minDiff
	}
	if newDiff.Cmp(maxDiff) > 0 {
		newDiff = maxDiff
	}

	// Ignore changes under 5%; retargeting every share just churns ASICs.
	ratio := new(big.Rat).Quo(newDiff, current)
	f, _ := ratio.Float64()
	if f > 0.95 && f < 1.05 {
		return nil
	}

	vd.lastChangeAt = now
	return newDiff
}

func floatRat(f float64) *big.Rat {
	r := new(big.Rat).SetFloat64(f)
	if r == nil {
		return new(big.Rat).SetInt64(1)
	}
	return r
}

// applyVardiff runs the controller for a session and pushes
// mining.set_difficulty when the difficulty moved.
func (s *Server) applyVardiff(session *Session, now time.Time) {
	if !s.vardiffCfg.Enabled {
		return
	}

	current, _ := session.currentDifficulty()
	newDiff := adjustDifficulty(s.vardiffCfg, &session.vardiff, current, now)
	if newDiff == nil {
		return
	}

	session.setDifficulty(newDiff, util.DifficultyToTarget(newDiff))
	if err := session.write(Notification{
		Method: "mining.set_difficulty",
		Params: []interface{}{util.DifficultyFloat(newDiff)},
	}); err != nil {
		s.log.Debugf("Session %d: set_difficulty write failed: %v", session.id, err)
	}
	s.log.Debugf("Session %d difficulty retargeted to %s", session.id, newDiff.FloatString(4))
}
