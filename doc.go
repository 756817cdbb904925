/*
Package flow is a runtime for media pipelines.

A pipeline is an ordered chain of elements. Data moves between elements
as payloads through linked ports without copying. Every element
implements a kernel with open, process and close steps, and the process
step returns a status that drives the scheduler:

	OK       - output produced, next element runs.
	Continue - more input is needed, the pass restarts.
	Truncate - input is not consumed yet, element runs again.
	Done     - end of stream reached.

Pipelines are built from element and IO prototypes registered in a Pool:

	pool := flow.NewPool()
	pool.RegisterIO(file.NewReader("in.bin"), "")
	pool.RegisterIO(file.NewWriter("out.bin"), "")
	pool.RegisterElement(copyElement, "copy")

	p, err := flow.NewPipeline(pool, "file", []string{"copy"}, "file")
	if err != nil {
		// handle error
	}
	defer p.Destroy()

Every pipeline is executed by a Task. The task owns the worker goroutine
and the lifecycle of the run:

	t := flow.NewTask(flow.DefaultTaskConfig())
	if err := p.BindTask(t); err != nil {
		// handle error
	}
	if err := p.Run(ctx); err != nil {
		// handle error
	}
	err = p.Wait()

Run can be paused, resumed and stopped from any goroutine. Pause is
honored between process calls. Stop aborts blocked IO, so it's never
delayed by a full or empty bus. The end of every run is reported exactly
once with a state change event: Finished, Stopped or Error.

Pipelines in different tasks are bridged with a data bus, see package
databus and ConnectPipe.
*/
package flow
