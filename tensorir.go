// Package tensorir implements a graph-based compiler core for
// tensor-computation programs.
//
// A program is a Module: an ordered, single-assignment DAG of Instructions,
// each applying an Operation over the instructions producing its arguments.
// Operations implement shape inference (see the shapeinference package) and,
// optionally, target-lowering capabilities used by the compilation scheduler.
//
// The optimization surface is the match package (declarative pattern
// matching over a module) and the passes package (rewrite passes, including
// the parallel kernel-compilation scheduler). An external driver applies the
// passes in order, each taking the Module exclusively:
//
//	m := tensorir.New("my_model")
//	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 32, 128))
//	... build the graph, then run a pass pipeline over it ...
//
// The front end that parses a serialized model into the initial Module, and
// the execution engine that runs it, are outside this package.
package tensorir
