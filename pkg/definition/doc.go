/*
Package definition loads workflows from YAML documents.

A document names the workflow, optional queue settings, workflow-wide
variables and script modules, and one entry per stage:

	workflow:
	  name: words
	  queues:
	    - name: raw
	      capacity: 16
	  variables:
	    suffix: "!"
	  stages:
	    - name: split
	      in: raw
	      out: words
	      replicas: 2
	      close_out: true
	      script: line => line.split(' ')
	    - name: loud
	      in: words
	      out: done
	      close_out: true
	      throttle: {limit: 10, interval: 1s}
	      script: w => w.toUpperCase() + suffix

Stage transformations are JavaScript sources that evaluate to a function of
one item. The function may return nothing, a single value, or an array of
outputs. Parse validates the document; Build turns it into an unstarted
workflow.Workflow:

	def, err := definition.ParseFile("words.yaml")
	if err != nil {
		return err
	}
	w, err := definition.Build(def, workflow.WithLogger(logger))

Throttles with a key can be shared across processes by supplying a
Builder.NewThrottle that returns a distributed throttle.
*/
package definition
