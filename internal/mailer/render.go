// Package mailer renders the requisition summary document and hands it to
// the mail transport.
package mailer

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/backend"
)

// Recipients is the resolved recipient set for one notification: the
// configured To addresses plus the cc list from the copy-list endpoint.
type Recipients struct {
	To []string
	CC []string
}

// Document is one rendered notification ready for dispatch.
type Document struct {
	Subject  string
	HTMLBody string
}

// bodyTemplate reproduces the notification layout the recipients already
// know: greeting, six-column requisition table, automated-send footer.
var bodyTemplate = template.Must(template.New("mail").Parse(`<p>hi，Team，</p>
<p>请帮忙安排以下原料：</p>
<table style="width: 800px; border: 1px solid black;">
<tbody>
<tr>
<th><p>申请日期</p></th>
<th><p>原料编号</p></th>
<th><p>原料名称</p></th>
<th><p>sapCode</p></th>
<th><p>申请人</p></th>
<th><p>申请量(kg)</p></th>
</tr>
{{- range .Items}}
<tr>
<td><p>{{.ApplyDate}}</p></td>
<td><p>{{.MaterialID}}</p></td>
<td><p>{{.MaterialName}}</p></td>
<td><p>{{.MaterialCode}}</p></td>
<td><p>{{.ApplicantName}}</p></td>
<td><p>{{.Quantity}}</p></td>
</tr>
{{- end}}
</tbody>
</table>
<br>
<span style="font-size:16px">此信息于每周五由系统自动发送！</span><br>
<span style="font-size:16px">上海同事需要接收此信息，请将邮箱添加到系统的个人信息-我的资料中！</span><br>
`))

// Render is a pure function from requisition items to a document. Items are
// emitted in the order received; absent optional fields come through as
// empty strings because the wire model decodes them to zero values.
func Render(items []backend.RequisitionItem, now time.Time) (Document, error) {
	var b strings.Builder
	if err := bodyTemplate.Execute(&b, struct {
		Items []backend.RequisitionItem
	}{Items: items}); err != nil {
		return Document{}, fmt.Errorf("render mail body: %w", err)
	}
	return Document{
		Subject:  fmt.Sprintf("%d年%d月原料申请", now.Year(), int(now.Month())),
		HTMLBody: b.String(),
	}, nil
}

// SplitAddressList accepts the configured recipient value as a single
// address or a ";" / "," separated list.
func SplitAddressList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
