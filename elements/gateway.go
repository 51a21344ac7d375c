package elements

import (
	"context"
	"strings"
	"sync"

	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/parser"
)

// Gateway handles diverging and converging flow. Converging waits for
// related tokens that can still reach the gateway; the last arrival passes.
type Gateway struct {
	Node
}

func newGateway(typ models.BpmnType, def *parser.Element, process *Process) *Gateway {
	return &Gateway{Node: newNode(typ, def, process)}
}

// GetOutbounds evaluates flow conditions with the default-flow fallback: the
// default flow is taken only when no conditional flow passes.
func (g *Gateway) GetOutbounds(ctx context.Context, item *Item) ([]*Item, error) {
	defaultFlowID := g.Def().Attr("default")
	if defaultFlowID == "" {
		return g.Node.GetOutbounds(ctx, item)
	}

	var defaultFlow *Flow
	var outbounds []*Item

	for _, flow := range g.Outbounds() {
		if flow.ElementID() == defaultFlowID {
			defaultFlow = flow
			continue
		}
		flowItem := NewItem(flow, item.Token, models.ItemStart)
		action, err := flow.Run(ctx, flowItem)
		if err != nil {
			return nil, err
		}
		if action == models.FlowTake {
			outbounds = append(outbounds, flowItem)
		}
	}

	if len(outbounds) == 0 && defaultFlow != nil {
		outbounds = append(outbounds, NewItem(defaultFlow, item.Token, models.ItemStart))
	}

	return outbounds, nil
}

// potentialPath recursively collects every node reachable from node.
func (g *Gateway) potentialPath(node INode, path map[string]INode) {
	for _, flow := range node.Outbounds() {
		to := flow.To
		if _, seen := path[to.ElementID()]; !seen {
			path[to.ElementID()] = to
			g.potentialPath(to, path)
		}
	}
}

// canReach reports whether the gateway is reachable from node along the
// forward graph.
func (g *Gateway) canReach(node INode, self INode) bool {
	if node.ElementID() == self.ElementID() {
		return true
	}
	path := map[string]INode{}
	g.potentialPath(node, path)
	_, ok := path[self.ElementID()]
	return ok
}

// relatedTokens collects the other live tokens whose current node can reach
// this gateway and whose items-key scope is compatible.
func (g *Gateway) relatedTokens(item *Item, self INode) []IToken {
	var related []IToken
	execution := item.Context()

	for _, token := range execution.Tokens() {
		current := token.CurrentItem()
		if current == nil || token.ID() == item.Token.ID() || token.CurrentNode() == nil {
			continue
		}
		if current.Status == models.ItemEnd || current.Status == models.ItemTerminated {
			continue
		}
		if !g.canReach(token.CurrentNode(), self) {
			continue
		}
		if token.ItemsKey() == "" || item.Token.ItemsKey() == "" ||
			strings.HasPrefix(item.Token.ItemsKey()+"."+token.ItemsKey(), token.ItemsKey()+".") {
			related = append(related, token)
		}
	}
	return related
}

// analyzeConvergingTokens partitions related tokens into pending (not here
// yet) and waiting (already at this gateway).
func (g *Gateway) analyzeConvergingTokens(item *Item, self INode) (pending, waiting []IToken) {
	for _, t := range g.relatedTokens(item, self) {
		if t.Status() == models.TokenEnd || t.Status() == models.TokenTerminated {
			continue
		}
		if t.CurrentNode() != nil && t.CurrentNode().ElementID() == g.ElementID() {
			waiting = append(waiting, t)
		} else {
			pending = append(pending, t)
		}
	}
	return pending, waiting
}

// Start implements gateway convergence. With pending peers an exclusive
// gateway cancels them and passes; other gateways wait for the last arrival,
// which converges by ending the waiting peers and restarting the diverge
// parent from this gateway.
func (g *Gateway) Start(ctx context.Context, item *Item) (models.NodeAction, error) {
	return gatewayStart(ctx, g, item)
}

// gatewayStart is shared by Gateway and its subtypes so convergence sees the
// outermost node type.
func gatewayStart(ctx context.Context, g *Gateway, item *Item) (models.NodeAction, error) {
	self := item.Node()
	token := item.Token
	if len(g.Inbounds()) <= 1 {
		return models.ActionContinue, nil
	}

	token.Log("converging gateway", "element_id", g.ElementID(), "inbounds", len(g.Inbounds()))

	pending, waiting := g.analyzeConvergingTokens(item, self)

	if len(pending) > 0 {
		if g.ElementType() == models.TypeExclusiveGateway {
			token.Log("exclusive gateway cancelling pending peers", "count", len(pending))
			for _, t := range pending {
				if current := t.CurrentItem(); current != nil {
					current.Status = models.ItemEnd
				}
				if err := t.Terminate(ctx); err != nil {
					return models.ActionError, err
				}
			}
			for _, t := range waiting {
				if current := t.CurrentItem(); current != nil {
					current.Status = models.ItemEnd
				}
				if err := t.End(ctx, false); err != nil {
					return models.ActionError, err
				}
			}
			return models.ActionContinue, nil
		}
		token.Log("gateway waiting for pending peers", "count", len(pending))
		return models.ActionWait, nil
	}

	if token.Type() == models.TokenDiverge {
		parentToken := token.ParentToken()
		convergingNode := token.CurrentNode()

		token.Log("gateway converging", "waiting", len(waiting))
		for _, t := range waiting {
			if current := t.CurrentItem(); current != nil {
				current.Status = models.ItemEnd
			}
			if err := t.End(ctx, false); err != nil {
				return models.ActionError, err
			}
		}

		oldToken := token
		if parentToken != nil {
			token.Log("gateway converged, restarting parent token", "parent_token", parentToken.ID())
			parentToken.SetStatus(models.TokenRunning)
			if convergingNode != nil {
				parentToken.SetCurrentNode(convergingNode)
			}
			item.Token = parentToken

			if _, err := parentToken.CurrentNode().Run(ctx, item); err != nil {
				return models.ActionError, err
			}
			if err := parentToken.CurrentNode().End(ctx, item, false); err != nil {
				return models.ActionError, err
			}
			if err := parentToken.GoNext(ctx); err != nil {
				return models.ActionError, err
			}

			if current := oldToken.CurrentItem(); current != nil {
				current.Status = models.ItemEnd
			}
			if err := oldToken.Terminate(ctx); err != nil {
				return models.ActionError, err
			}
			return models.ActionEnd, nil
		}
		return models.ActionContinue, nil
	}

	for _, t := range waiting {
		if current := t.CurrentItem(); current != nil {
			current.Status = models.ItemEnd
		}
		if err := t.End(ctx, false); err != nil {
			return models.ActionError, err
		}
	}
	return models.ActionContinue, nil
}

// ExclusiveGateway keeps only the first passing outbound.
type ExclusiveGateway struct {
	Gateway
}

func newExclusiveGateway(typ models.BpmnType, def *parser.Element, process *Process) *ExclusiveGateway {
	return &ExclusiveGateway{Gateway: *newGateway(typ, def, process)}
}

// GetOutbounds keeps only the first passing flow.
func (g *ExclusiveGateway) GetOutbounds(ctx context.Context, item *Item) ([]*Item, error) {
	outbounds, err := g.Gateway.GetOutbounds(ctx, item)
	if err != nil {
		return nil, err
	}
	if len(outbounds) > 1 {
		item.Token.Log("exclusive gateway took the first passing flow")
		return outbounds[:1], nil
	}
	return outbounds, nil
}

// EventBasedGateway races its downstream catches: the first branch to end
// terminates the others.
type EventBasedGateway struct {
	Gateway
	mu      sync.Mutex
	working bool
}

func newEventBasedGateway(typ models.BpmnType, def *parser.Element, process *Process) *EventBasedGateway {
	return &EventBasedGateway{Gateway: *newGateway(typ, def, process)}
}

// Run completes the gateway immediately; the race is resolved downstream.
func (g *EventBasedGateway) Run(ctx context.Context, item *Item) (models.NodeAction, error) {
	return models.ActionEnd, nil
}

// CancelAllBranched terminates every still-waiting branch spawned from the
// same gateway item. The working flag guards re-entry from the terminations
// it issues itself; concurrent signals are already serialized by the
// instance lock.
func (g *EventBasedGateway) CancelAllBranched(ctx context.Context, endingItem *Item) error {
	g.mu.Lock()
	if g.working {
		g.mu.Unlock()
		return nil
	}
	g.working = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.working = false
		g.mu.Unlock()
	}()

	origin := endingItem.Token.OriginItem()
	if origin == nil {
		return nil
	}

	for _, token := range endingItem.Context().Tokens() {
		current := token.CurrentItem()
		isWaiting := token.Status() == models.TokenWait
		notEnding := current != nil && current.Status != models.ItemEnd
		fromSameGateway := token.OriginItem() != nil && token.OriginItem().ID == origin.ID

		if isWaiting && notEnding && fromSameGateway {
			endingItem.Token.Log("event gateway cancelling branch", "token_id", token.ID())
			if err := token.Terminate(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
