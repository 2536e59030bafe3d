package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/semmidev/dbvault/internal/domain"
)

const (
	KindDatabase = "database"
	KindStorage  = "storage"
)

// Result is the outcome of one probe.
type Result struct {
	Name      string           `json:"name" yaml:"name"`
	Kind      string           `json:"kind" yaml:"kind"`
	Type      string           `json:"type" yaml:"type"`
	Passed    bool             `json:"passed" yaml:"passed"`
	ErrorKind domain.ErrorType `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Detail    string           `json:"detail,omitempty" yaml:"detail,omitempty"`
	Duration  time.Duration    `json:"duration" yaml:"duration"`
	SizeBytes int64            `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty"`

	err error
}

func (r Result) Err() error {
	return r.err
}

// Report lists results in configuration order, databases first.
type Report struct {
	Results []Result `json:"results" yaml:"results"`
}

func (r Report) Failed() bool {
	return r.Err() != nil
}

// Err returns the first failure, which decides the exit code.
func (r Report) Err() error {
	for _, res := range r.Results {
		if !res.Passed {
			return res.err
		}
	}
	return nil
}

// StorageProbe is a storage target with its configured type.
type StorageProbe struct {
	Type    string
	Storage domain.Storage
}

type Tester struct {
	databases []domain.Database
	storages  []StorageProbe
	timeout   time.Duration
	logger    Logger
}

func NewTester(databases []domain.Database, storages []StorageProbe, timeout time.Duration, logger Logger) *Tester {
	return &Tester{databases: databases, storages: storages, timeout: timeout, logger: logger}
}

// Run probes every database and storage target concurrently. It never writes data.
func (uc *Tester) Run(ctx context.Context) Report {
	results := make([]Result, len(uc.databases)+len(uc.storages))

	var wg sync.WaitGroup
	for i, db := range uc.databases {
		wg.Add(1)
		go func(i int, db domain.Database) {
			defer wg.Done()
			results[i] = uc.probeDatabase(ctx, db)
		}(i, db)
	}
	for i, s := range uc.storages {
		wg.Add(1)
		go func(i int, s StorageProbe) {
			defer wg.Done()
			results[len(uc.databases)+i] = uc.probeStorage(ctx, s)
		}(i, s)
	}
	wg.Wait()

	return Report{Results: results}
}

func (uc *Tester) probeDatabase(ctx context.Context, db domain.Database) Result {
	start := time.Now()
	res := Result{Name: db.Name(), Kind: KindDatabase, Type: string(db.Type())}

	uc.logger.Debugf("[%s] Testing connection...", db.Name())
	err := db.TestConnection(ctx, uc.timeout)
	if err == nil {
		sctx, cancel := context.WithTimeout(ctx, uc.timeout)
		if size, sizeErr := db.Size(sctx); sizeErr == nil {
			res.SizeBytes = size
		} else {
			uc.logger.Debugf("[%s] Could not read database size: %v", db.Name(), sizeErr)
		}
		cancel()
	}
	return uc.finish(res, start, err)
}

func (uc *Tester) probeStorage(ctx context.Context, s StorageProbe) Result {
	start := time.Now()
	res := Result{Name: s.Storage.Name(), Kind: KindStorage, Type: s.Type}

	pctx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()
	return uc.finish(res, start, s.Storage.Ping(pctx))
}

func (uc *Tester) finish(res Result, start time.Time, err error) Result {
	res.Duration = time.Since(start)
	if err != nil {
		res.err = err
		res.ErrorKind = domain.TypeOf(err)
		res.Detail = err.Error()
		uc.logger.Warnf("[%s] %s check failed: %v", res.Name, res.Kind, err)
		return res
	}
	res.Passed = true
	uc.logger.Infof("[%s] %s check passed in %s", res.Name, res.Kind, res.Duration.Round(time.Millisecond))
	return res
}
