// Package mining implements the sha3xd engine: jobs, device workers, share
// accounting, and the controller state machine that orchestrates them around
// a pool session.
package mining

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/sha3"
)

// maxTarget is the difficulty-1 target over the full SHA3-256 digest space.
var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Job is a unit of work issued by the pool. Immutable once issued; it is
// superseded by the next job the session delivers.
type Job struct {
	ID             string
	HeaderTemplate []byte
	Difficulty     float64
	Target         *big.Int
	CleanJobs      bool
	IssuedAt       time.Time
}

// NewJob builds a Job with its target precomputed from the difficulty
func NewJob(id string, headerTemplate []byte, difficulty float64, cleanJobs bool) *Job {
	return &Job{
		ID:             id,
		HeaderTemplate: headerTemplate,
		Difficulty:     difficulty,
		Target:         TargetFromDifficulty(difficulty),
		CleanJobs:      cleanJobs,
		IssuedAt:       time.Now(),
	}
}

// TargetFromDifficulty converts a pool difficulty to a digest threshold:
// target = maxTarget / difficulty. Difficulties below 1 clamp to 1. The
// division keeps the fractional part of the difficulty; truncating it would
// inflate the target and submit shares the pool will reject.
func TargetFromDifficulty(difficulty float64) *big.Int {
	if difficulty < 1 {
		difficulty = 1
	}

	quo := new(big.Float).Quo(
		new(big.Float).SetInt(maxTarget),
		big.NewFloat(difficulty),
	)
	target, _ := quo.Int(nil)
	return target
}

// HashNonce computes the SHA3X digest for the job's header template and a
// nonce. The nonce is appended little-endian, matching the wire submit format.
func (j *Job) HashNonce(nonce uint64) [32]byte {
	buf := make([]byte, len(j.HeaderTemplate)+8)
	copy(buf, j.HeaderTemplate)
	binary.LittleEndian.PutUint64(buf[len(j.HeaderTemplate):], nonce)
	return sha3.Sum256(buf)
}

// MeetsTarget reports whether a digest qualifies as a share for this job
func (j *Job) MeetsTarget(digest [32]byte) bool {
	return new(big.Int).SetBytes(digest[:]).Cmp(j.Target) <= 0
}

// ShareCandidate is a solution found by a device worker. It is consumed
// exactly once by the session submit path.
type ShareCandidate struct {
	ID         string
	JobID      string
	Difficulty float64
	Nonce      uint64
	Hash       [32]byte
	DeviceID   int
	FoundAt    time.Time
}

// NewShareCandidate assigns the candidate a random ID used for submit
// idempotence and result correlation.
func NewShareCandidate(job *Job, nonce uint64, hash [32]byte, deviceID int) *ShareCandidate {
	return &ShareCandidate{
		ID:         newCandidateID(),
		JobID:      job.ID,
		Difficulty: job.Difficulty,
		Nonce:      nonce,
		Hash:       hash,
		DeviceID:   deviceID,
		FoundAt:    time.Now(),
	}
}

// ShareResult is the pool's verdict on a submitted candidate
type ShareResult struct {
	ShareID  string
	Accepted bool
	Reason   string
}

// HashrateSample is a point-in-time rate report from one device worker,
// computed over a sliding window rather than since start.
type HashrateSample struct {
	DeviceID     int
	HashesPerSec float64
	At           time.Time
}

func newCandidateID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("share_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
