package services

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"time"

	"sentrydesk-backend/internal/models"
)

type EmailService struct {
	host        string
	port        string
	user        string
	pass        string
	from        string
	frontendURL string
	devMode     bool
}

func NewEmailService(host, port, user, pass, from, frontendURL string) *EmailService {
	devMode := host == "" || user == ""
	if devMode {
		log.Println("⚠ Email service running in DEV MODE (logging to console)")
	}
	return &EmailService{
		host:        host,
		port:        port,
		user:        user,
		pass:        pass,
		from:        from,
		frontendURL: frontendURL,
		devMode:     devMode,
	}
}

func (s *EmailService) SendSessionAssignedEmail(to string, sess *models.Session) error {
	sessionURL := fmt.Sprintf("%s/sessions/%s", s.frontendURL, sess.ID)

	subject := "A security expert has been assigned to your consultation"
	body := s.wrap("Expert Assigned", fmt.Sprintf(`
      <p style="color: #64748b; font-size: 14px; line-height: 1.6; margin: 0 0 24px;">
        An expert has been assigned to your consultation about <strong>%s</strong>.
        Once your session starts you can chat with them in real time.
      </p>
      <a href="%s" style="display: inline-block; background: #0f766e; color: white; text-decoration: none; padding: 12px 32px; border-radius: 8px; font-weight: 600; font-size: 14px;">
        Open Session
      </a>`, sess.Topic, sessionURL))

	return s.sendHTML(to, subject, body)
}

func (s *EmailService) SendSessionExpiredEmail(to string, sess *models.Session) error {
	sessionURL := fmt.Sprintf("%s/sessions/%s", s.frontendURL, sess.ID)

	subject := "Your consultation session has ended"
	body := s.wrap("Session Ended", fmt.Sprintf(`
      <p style="color: #64748b; font-size: 14px; line-height: 1.6; margin: 0 0 24px;">
        Your consultation about <strong>%s</strong> has reached the end of its time window.
        The transcript stays available in your dashboard, and you can book a follow-up
        session at any time.
      </p>
      <a href="%s" style="display: inline-block; background: #0f766e; color: white; text-decoration: none; padding: 12px 32px; border-radius: 8px; font-weight: 600; font-size: 14px;">
        View Transcript
      </a>`, sess.Topic, sessionURL))

	return s.sendHTML(to, subject, body)
}

func (s *EmailService) SendExtensionNoticeEmail(to string, sess *models.Session) error {
	until := "further notice"
	if t := sess.OverrideExpiration(); t != nil {
		until = t.Format(time.RFC1123)
	}
	reason := ""
	if sess.ExtensionReason != nil {
		reason = fmt.Sprintf(`
      <p style="color: #94a3b8; font-size: 12px; margin: 16px 0 0;">Reason: %s</p>`, *sess.ExtensionReason)
	}

	subject := "Your consultation session has been extended"
	body := s.wrap("Session Extended", fmt.Sprintf(`
      <p style="color: #64748b; font-size: 14px; line-height: 1.6; margin: 0 0 24px;">
        An administrator has extended your consultation about <strong>%s</strong>
        until <strong>%s</strong>. You can keep chatting with your expert until then.
      </p>%s`, sess.Topic, until, reason))

	return s.sendHTML(to, subject, body)
}

func (s *EmailService) SendPaymentReceiptEmail(to string, sess *models.Session) error {
	subject := "Payment received for your consultation"
	body := s.wrap("Payment Received", fmt.Sprintf(`
      <p style="color: #64748b; font-size: 14px; line-height: 1.6; margin: 0 0 24px;">
        We received your payment of <strong>$%.2f</strong> for the
        <strong>%s</strong> plan (%d minutes). An expert will be assigned shortly.
      </p>`, float64(sess.Plan.PriceCents)/100, sess.Plan.Name, sess.Plan.DurationMinutes))

	return s.sendHTML(to, subject, body)
}

func (s *EmailService) wrap(heading, inner string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: 'Segoe UI', Arial, sans-serif; margin: 0; padding: 0; background-color: #f8fafc;">
  <div style="max-width: 480px; margin: 40px auto; background: white; border-radius: 12px; box-shadow: 0 4px 24px rgba(0,0,0,0.08); overflow: hidden;">
    <div style="background: linear-gradient(135deg, #0f766e 0%%, #134e4a 100%%); padding: 32px; text-align: center;">
      <h1 style="color: white; margin: 0; font-size: 24px; font-weight: 700;">SentryDesk</h1>
      <p style="color: rgba(255,255,255,0.85); margin: 8px 0 0; font-size: 14px;">Cybersecurity Consultations</p>
    </div>
    <div style="padding: 32px;">
      <h2 style="margin: 0 0 16px; font-size: 20px; color: #1e293b;">%s</h2>%s
    </div>
  </div>
</body>
</html>`, heading, inner)
}

func (s *EmailService) sendHTML(to, subject, htmlBody string) error {
	if s.devMode {
		log.Printf("📧 [DEV EMAIL] To: %s | Subject: %s", to, subject)
		return nil
	}

	headers := []string{
		fmt.Sprintf("From: %s", s.from),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
	}

	message := strings.Join(headers, "\r\n") + "\r\n\r\n" + htmlBody

	auth := smtp.PlainAuth("", s.user, s.pass, s.host)
	addr := fmt.Sprintf("%s:%s", s.host, s.port)

	err := smtp.SendMail(addr, auth, s.from, []string{to}, []byte(message))
	if err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}

	log.Printf("📧 Email sent to %s: %s", to, subject)
	return nil
}
