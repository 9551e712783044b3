package orderstate

import (
	"strconv"
	"strings"

	"github.com/sells-group/order-cli/internal/model"
)

// BuildContext renders the running order and prior customer messages as the
// prompt prefix handed to the extractor. Sections with nothing to show are
// omitted, except the history header.
func BuildContext(state *model.CumulativeOrderState, history []model.Message) string {
	var b strings.Builder

	if state != nil {
		if active := state.ActiveItems(); len(active) > 0 {
			b.WriteString("CURRENT ORDER STATE:\n")
			for _, it := range active {
				b.WriteString("  - ")
				b.WriteString(it.ProductName)
				b.WriteString(": ")
				b.WriteString(formatQuantity(it.Quantity))
				if it.Unit != "" {
					b.WriteString(" ")
					b.WriteString(it.Unit)
				}
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}

		if state.CustomerName != "" || state.CustomerOrganization != "" {
			b.WriteString("CUSTOMER INFO:\n")
			if state.CustomerName != "" {
				b.WriteString("  Name: " + state.CustomerName + "\n")
			}
			if state.CustomerOrganization != "" {
				b.WriteString("  Organization: " + state.CustomerOrganization + "\n")
			}
			b.WriteString("\n")
		}

		if state.DeliveryDate != "" || state.Urgency != "" {
			b.WriteString("DELIVERY INFO:\n")
			if state.DeliveryDate != "" {
				b.WriteString("  Date: " + state.DeliveryDate + "\n")
			}
			if state.Urgency != "" {
				b.WriteString("  Urgency: " + state.Urgency + "\n")
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("CONVERSATION HISTORY:")
	for _, m := range history {
		if m.Role != model.RoleCustomer {
			continue
		}
		label := "Order"
		if m.Kind == model.KindClarification {
			label = "Clarification"
		}
		b.WriteString("\n[" + label + "]: " + m.Content)
	}
	return b.String()
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
