package work

import "fmt"

// Job holds the fields of the most recently broadcast block template that a
// mining.notify message carries.
type Job struct {
	ID             string   `json:"id"`
	PrevHash       string   `json:"prevhash"`
	Coinbase1      string   `json:"coinb1"`
	Coinbase2      string   `json:"coinb2"`
	MerkleBranches []string `json:"merkle_branch"`
	Version        string   `json:"version"`
	NBits          string   `json:"nbits"`
	NTime          string   `json:"ntime"`
	CleanJobs      bool     `json:"clean_jobs"`
}

// String returns a brief description of the job.
func (j *Job) String() string {
	prefix := j.PrevHash
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return fmt.Sprintf("Job{id=%s, prevhash=%s..., clean=%v}", j.ID, prefix, j.CleanJobs)
}
