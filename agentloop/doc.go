// Package agentloop turns a natural-language request against a storefront
// theme into a verified set of file changes.
//
// A Runner owns the process-wide collaborators (model invoker, tool
// registry, verification gate, store, index caches) and starts one Driver
// per execution. The driver keeps the conversation in a ContextManager,
// sends it to the model, dispatches the returned tool calls against an
// in-memory arena of file versions and folds the results back, until the
// model stops calling tools or a budget, deadline or question ends the run.
//
// # Architecture
//
//   - Runner: Run, Resume and HandleJob. Classifies the request into a
//     strategy and tier and escalates the tier when a run produced nothing.
//   - Driver: the iteration loop. Steps are preflight, invoke, classify,
//     dispatch, fold, inline verification and decide.
//   - ContextManager: the turn log, compression under the message budget
//     and memory anchors near the provider's trim threshold.
//   - orchestrator: delegate_specialist, run_review and ask_clarification.
//     Specialists are nested drivers working on forks of the arena.
//   - EventEmitter: typed event stream built from Callbacks.
//
// # Quick Start
//
//	runner, err := agentloop.NewRunner(invoker, agentloop.DefaultConfig(),
//	    agentloop.WithStore(st), agentloop.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := runner.Run(ctx, agentloop.Request{
//	    ProjectID: "shop",
//	    Request:   "Make the add to cart button blue",
//	    Files:     files,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Analysis)
package agentloop
