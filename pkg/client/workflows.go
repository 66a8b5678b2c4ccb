package client

import (
	"context"
	"strconv"

	"github.com/emberq/emberq/pkg/core"
	"github.com/emberq/emberq/pkg/workflow"
)

// signatureOptions resolves a signature's options the same way Submit
// does, with outer workflow options applied before the signature's own.
func (p *Producer) signatureOptions(sig workflow.Signature, outer []core.Option) (merged, callSite core.TaskOptions) {
	all := make([]core.Option, 0, len(outer)+len(sig.Opts))
	all = append(all, outer...)
	all = append(all, sig.Opts...)
	return p.resolveOptions(sig.Name, all)
}

// submitSignature publishes one workflow member. A non-empty parentID is
// the owning workflow's id; it becomes the member's parent and root so
// every envelope in the tree shares the workflow id as its root.
func (p *Producer) submitSignature(ctx context.Context, sig workflow.Signature, parentID string, headers map[string]string, outer []core.Option) (*core.Envelope, error) {
	merged, callSite := p.signatureOptions(sig, outer)
	env, err := p.buildEnvelope(sig.Name, sig.Args, merged, callSite)
	if err != nil {
		return nil, err
	}
	if parentID != "" {
		env.ParentID = parentID
		env.RootID = parentID
	}
	for k, v := range headers {
		env = env.WithHeader(k, v)
	}
	queue, err := p.route(sig.Name, env, merged)
	if err != nil {
		return nil, err
	}
	if err := p.publish(ctx, queue, env); err != nil {
		return nil, err
	}
	return env, nil
}

// SubmitChain runs tasks sequentially, each receiving its predecessor's
// result prepended to its own arguments. The returned handle tracks the
// final task, where the chain's overall result lands. A failed or
// revoked step drops the remainder of the chain.
func (p *Producer) SubmitChain(ctx context.Context, chain workflow.Chain, opts ...core.Option) (*AsyncResult, error) {
	if err := chain.Validate(); err != nil {
		return nil, err
	}

	head := chain.Tasks[0]
	chainID := core.NewID()
	links := make([]workflow.Link, 0, len(chain.Tasks)-1)
	for _, sig := range chain.Tasks[1:] {
		args, err := core.MarshalArgs(sig.Args...)
		if err != nil {
			return nil, err
		}
		var sigOpts core.TaskOptions
		for _, opt := range sig.Opts {
			opt.Apply(&sigOpts)
		}
		links = append(links, workflow.Link{
			ID:    core.NewID(),
			Name:  sig.Name,
			Args:  args,
			Queue: sigOpts.Queue,
		})
	}

	headers := map[string]string{core.HeaderChainPosition: "0"}
	if len(links) > 0 {
		encoded, err := workflow.EncodeLinks(links)
		if err != nil {
			return nil, err
		}
		headers[core.HeaderChain] = encoded
	}

	env, err := p.submitSignature(ctx, head, chainID, headers, opts)
	if err != nil {
		return nil, err
	}
	p.log.Debug().Str("task_id", env.ID).Str("chain_id", chainID).Int("length", len(chain.Tasks)).Msg("chain submitted")

	finalID := env.ID
	if len(links) > 0 {
		finalID = links[len(links)-1].ID
	}
	return NewAsyncResult(finalID, p.bk), nil
}

// SubmitGroup publishes all members for parallel execution.
func (p *Producer) SubmitGroup(ctx context.Context, group workflow.Group, opts ...core.Option) (*GroupResult, error) {
	if len(group.Tasks) == 0 {
		return nil, core.Configf("a group needs at least one task")
	}
	groupID := core.NewID()
	ids := make([]string, 0, len(group.Tasks))
	for _, sig := range group.Tasks {
		env, err := p.submitSignature(ctx, sig, groupID, map[string]string{core.HeaderGroupID: groupID}, opts)
		if err != nil {
			return nil, err
		}
		ids = append(ids, env.ID)
	}
	p.log.Debug().Str("group_id", groupID).Int("size", len(ids)).Msg("group submitted")
	return &GroupResult{groupID: groupID, ids: ids, bk: p.bk}, nil
}

// SubmitChord runs the header group in parallel, then the body exactly
// once with every member's result, in member order, appended as its
// final argument. The returned handle tracks the body.
func (p *Producer) SubmitChord(ctx context.Context, chord workflow.Chord, opts ...core.Option) (*AsyncResult, error) {
	if chord.Body.Name == "" {
		return nil, core.Configf("a chord needs a body task")
	}

	chordID := core.NewID()
	bodyArgs, err := core.MarshalArgs(chord.Body.Args...)
	if err != nil {
		return nil, err
	}
	var bodyOpts core.TaskOptions
	for _, opt := range chord.Body.Opts {
		opt.Apply(&bodyOpts)
	}
	callback, err := workflow.EncodeLinks([]workflow.Link{{
		ID:    chordID,
		Name:  chord.Body.Name,
		Args:  bodyArgs,
		Queue: bodyOpts.Queue,
	}})
	if err != nil {
		return nil, err
	}

	size := len(chord.Header.Tasks)
	if size == 0 {
		// Nothing to wait for: the body runs right away with an empty
		// result set.
		args := append(append([]any{}, chord.Body.Args...), []any{})
		sig := workflow.Signature{Name: chord.Body.Name, Args: args, Opts: chord.Body.Opts}
		env, err := p.submitSignature(ctx, sig, chordID, nil, opts)
		if err != nil {
			return nil, err
		}
		return NewAsyncResult(env.ID, p.bk), nil
	}

	for i, sig := range chord.Header.Tasks {
		headers := map[string]string{
			core.HeaderChordID:       chordID,
			core.HeaderChordSize:     strconv.Itoa(size),
			core.HeaderChordIndex:    strconv.Itoa(i),
			core.HeaderChordCallback: callback,
		}
		if _, err := p.submitSignature(ctx, sig, chordID, headers, opts); err != nil {
			return nil, err
		}
	}
	p.log.Debug().Str("chord_id", chordID).Int("size", size).Msg("chord submitted")
	return NewAsyncResult(chordID, p.bk), nil
}

// Map fans a task out over items and returns the group handle.
func (p *Producer) Map(ctx context.Context, name string, items []any, opts ...core.Option) (*GroupResult, error) {
	return p.SubmitGroup(ctx, workflow.Map(name, items), opts...)
}

// Starmap fans a task out over argument tuples.
func (p *Producer) Starmap(ctx context.Context, name string, argSets [][]any, opts ...core.Option) (*GroupResult, error) {
	return p.SubmitGroup(ctx, workflow.Starmap(name, argSets), opts...)
}

// Chunks batches items and fans the task out over the batches.
func (p *Producer) Chunks(ctx context.Context, name string, items []any, size int, opts ...core.Option) (*GroupResult, error) {
	return p.SubmitGroup(ctx, workflow.Chunks(name, items, size), opts...)
}
