// Package async runs independent read tasks on a bounded set of workers.
package async

import (
	"context"
	"fmt"
	"sync"
)

type Task struct {
	Name    string
	Execute func() (interface{}, error)
}

type Result struct {
	Name string
	Data interface{}
	Err  error
}

// Pool caps the number of tasks running at once. A Pool may be reused.
type Pool struct {
	workerCount int
}

func NewPool(workerCount int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{workerCount: workerCount}
}

func worker(ctx context.Context, tasks <-chan Task, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()
	for task := range tasks {
		if ctx.Err() != nil {
			results <- Result{Name: task.Name, Err: ctx.Err()}
			continue
		}
		results <- run(task)
	}
}

func run(task Task) (result Result) {
	result.Name = task.Name
	defer func() {
		if r := recover(); r != nil {
			result.Data = nil
			result.Err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	result.Data, result.Err = task.Execute()
	return result
}

// Execute runs every task and returns the results keyed by task name.
// Tasks not started before ctx is done report ctx.Err().
func (p *Pool) Execute(ctx context.Context, tasks []Task) map[string]Result {
	taskCh := make(chan Task, len(tasks))
	resultCh := make(chan Result, len(tasks))

	for _, task := range tasks {
		taskCh <- task
	}
	close(taskCh)

	var wg sync.WaitGroup
	workers := p.workerCount
	if workers > len(tasks) {
		workers = len(tasks)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker(ctx, taskCh, resultCh, &wg)
	}

	wg.Wait()
	close(resultCh)

	results := make(map[string]Result, len(tasks))
	for result := range resultCh {
		results[result.Name] = result
	}
	return results
}
