package report

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/signintech/gopdf"

	"github.com/scof256/hellodoctor-sub007/internal/consultation"
	"github.com/scof256/hellodoctor-sub007/internal/intake"
)

type TelegramClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, fileData []byte, fileName string) error
}

// DefaultFontPaths are tried in order; DejaVuSans covers non-Latin text.
var DefaultFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

type Service struct {
	tgClient     TelegramClient
	doctorChatID int64
	fontPaths    []string
	logger       *log.Logger
	now          func() time.Time
}

func NewService(tg TelegramClient, doctorChatID int64, fontPaths []string, logger *log.Logger) *Service {
	if len(fontPaths) == 0 {
		fontPaths = DefaultFontPaths
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		tgClient:     tg,
		doctorChatID: doctorChatID,
		fontPaths:    fontPaths,
		logger:       logger,
		now:          time.Now,
	}
}

// Section is one titled block of the handover report.
type Section struct {
	Title string
	Lines []string
}

// Sections lays out the handover: SBAR first, then the supporting record.
func Sections(c consultation.Consultation) []Section {
	d := c.MedicalData
	h := d.ClinicalHandover
	if h == nil {
		h = &intake.Handover{}
	}

	out := []Section{
		{Title: "Situation", Lines: []string{orNone(h.Situation)}},
		{Title: "Background", Lines: []string{orNone(h.Background)}},
		{Title: "Assessment", Lines: []string{orNone(h.Assessment)}},
		{Title: "Recommendation", Lines: []string{orNone(h.Recommendation)}},
		{Title: "Chief complaint", Lines: []string{orNone(deref(d.ChiefComplaint))}},
		{Title: "History of present illness", Lines: []string{orNone(deref(d.PresentIllness))}},
		{Title: "Medications", Lines: bullets(d.Medications)},
		{Title: "Allergies", Lines: bullets(d.Allergies)},
		{Title: "Past medical history", Lines: bullets(d.PastMedicalHistory)},
		{Title: "Family history", Lines: []string{orNone(deref(d.FamilyHistory))}},
		{Title: "Social history", Lines: []string{orNone(deref(d.SocialHistory))}},
	}
	if c.AppointmentAt != nil {
		out = append(out, Section{
			Title: "Appointment",
			Lines: []string{fmt.Sprintf("%s (%s)", c.AppointmentAt.Format("02.01.2006 15:04"), c.Booking)},
		})
	}
	return out
}

// Summary is the plain-text form of the report.
func Summary(c consultation.Consultation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intake handover for consultation %s\n", c.ID)
	fmt.Fprintf(&b, "Record completeness: %d%%\n", intake.Completeness(c.MedicalData))
	for _, s := range Sections(c) {
		fmt.Fprintf(&b, "\n%s:\n", s.Title)
		for _, l := range s.Lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (s *Service) SendDoctorReport(ctx context.Context, c consultation.Consultation) error {
	s.logger.Printf("Generating PDF report for consultation %s...", c.ID)

	pdfData, err := s.render(c)
	if err != nil {
		// Without a usable font the clinician still gets the text.
		s.logger.Printf("PDF rendering failed, sending text summary instead: %v", err)
		return s.tgClient.SendMessage(ctx, s.doctorChatID, Summary(c))
	}

	fileName := fmt.Sprintf("handover_%s.pdf", c.ID.String())
	s.logger.Printf("Sending PDF document to Telegram chat %d...", s.doctorChatID)
	if err := s.tgClient.SendDocument(ctx, s.doctorChatID, pdfData, fileName); err != nil {
		return fmt.Errorf("send handover document: %w", err)
	}
	s.logger.Printf("PDF report for consultation %s sent.", c.ID)
	return nil
}

func (s *Service) render(c consultation.Consultation) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	fontLoaded := false
	for _, path := range s.fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err != nil {
			fontErr = err
			continue
		}
		fontLoaded = true
		break
	}
	if !fontLoaded {
		return nil, fmt.Errorf("failed to load font for PDF, last error: %w", fontErr)
	}

	if err := pdf.SetFont("DejaVu", "", 20); err != nil {
		return nil, err
	}
	_ = pdf.Cell(nil, "Clinical handover (SBAR)")
	pdf.Br(30)

	if err := pdf.SetFont("DejaVu", "", 11); err != nil {
		return nil, err
	}
	_ = pdf.Cell(nil, fmt.Sprintf("Date: %s", s.now().Format("02.01.2006 15:04")))
	pdf.Br(15)
	_ = pdf.Cell(nil, fmt.Sprintf("Patient ID: %s", c.PatientID))
	pdf.Br(15)
	_ = pdf.Cell(nil, fmt.Sprintf("Record completeness: %d%%", intake.Completeness(c.MedicalData)))
	pdf.Br(25)

	for _, sec := range Sections(c) {
		if pdf.GetY() > 760 {
			pdf.AddPage()
		}
		if err := pdf.SetFont("DejaVu", "", 14); err != nil {
			return nil, err
		}
		_ = pdf.Cell(nil, sec.Title)
		pdf.Br(18)

		if err := pdf.SetFont("DejaVu", "", 11); err != nil {
			return nil, err
		}
		for _, line := range sec.Lines {
			wrapped, err := pdf.SplitText(line, 500)
			if err != nil {
				wrapped = []string{line}
			}
			for _, l := range wrapped {
				_ = pdf.Cell(nil, l)
				pdf.Br(14)
			}
		}
		pdf.Br(8)
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Not recorded"
	}
	return s
}

func bullets(items []string) []string {
	if len(items) == 0 {
		return []string{"None reported"}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, "- "+it)
	}
	return out
}
