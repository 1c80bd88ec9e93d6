//go:build linux && cgo

package capture

/*
#cgo LDFLAGS: -lX11 -lXext -lXfixes

#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xfixes.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
    void* data;
    int width;
    int height;
    int error;
} GrabResult;

typedef struct {
    void* data;
    int x;
    int y;
    int width;
    int height;
    int error;
} CursorResult;

typedef struct {
    Display* display;
    Window root;
    int screen;
    int width;
    int height;
    int useShm;
    int hasFixes;
    XShmSegmentInfo shmInfo;
    XImage* shmImage;
} X11Context;

static X11Context g_x11 = {0};

static int x11Open() {
    if (g_x11.display != NULL) {
        return 0;
    }

    g_x11.display = XOpenDisplay(NULL);
    if (g_x11.display == NULL) {
        return 1;
    }

    g_x11.screen = DefaultScreen(g_x11.display);
    g_x11.root = RootWindow(g_x11.display, g_x11.screen);
    g_x11.width = DisplayWidth(g_x11.display, g_x11.screen);
    g_x11.height = DisplayHeight(g_x11.display, g_x11.screen);

    int evBase, errBase;
    g_x11.hasFixes = XFixesQueryExtension(g_x11.display, &evBase, &errBase);

    int major, minor;
    Bool pixmaps;
    if (XShmQueryVersion(g_x11.display, &major, &minor, &pixmaps)) {
        g_x11.shmImage = XShmCreateImage(
            g_x11.display,
            DefaultVisual(g_x11.display, g_x11.screen),
            DefaultDepth(g_x11.display, g_x11.screen),
            ZPixmap, NULL, &g_x11.shmInfo,
            g_x11.width, g_x11.height);

        if (g_x11.shmImage != NULL) {
            g_x11.shmInfo.shmid = shmget(IPC_PRIVATE,
                g_x11.shmImage->bytes_per_line * g_x11.shmImage->height,
                IPC_CREAT | 0600);
            if (g_x11.shmInfo.shmid >= 0) {
                g_x11.shmInfo.shmaddr = g_x11.shmImage->data = shmat(g_x11.shmInfo.shmid, 0, 0);
                g_x11.shmInfo.readOnly = False;
                if (XShmAttach(g_x11.display, &g_x11.shmInfo)) {
                    g_x11.useShm = 1;
                    return 0;
                }
                shmdt(g_x11.shmInfo.shmaddr);
                shmctl(g_x11.shmInfo.shmid, IPC_RMID, 0);
            }
            g_x11.shmImage->data = NULL;
            XDestroyImage(g_x11.shmImage);
            g_x11.shmImage = NULL;
        }
    }
    g_x11.useShm = 0;
    return 0;
}

static void x11Close() {
    if (g_x11.shmImage != NULL) {
        XShmDetach(g_x11.display, &g_x11.shmInfo);
        shmdt(g_x11.shmInfo.shmaddr);
        shmctl(g_x11.shmInfo.shmid, IPC_RMID, 0);
        g_x11.shmImage->data = NULL;
        XDestroyImage(g_x11.shmImage);
    }
    if (g_x11.display != NULL) {
        XCloseDisplay(g_x11.display);
    }
    memset(&g_x11, 0, sizeof(g_x11));
}

// convertRegion copies (x,y,w,h) of src into a tightly packed RGBA buffer.
static void convertRegion(XImage* src, int sx, int sy, int w, int h, unsigned char* dst) {
    int bpp = src->bits_per_pixel;
    for (int y = 0; y < h; y++) {
        unsigned char* row = dst + (size_t)y * w * 4;
        if (bpp == 32 && src->byte_order == LSBFirst) {
            unsigned char* in = (unsigned char*)src->data + (size_t)(sy + y) * src->bytes_per_line + (size_t)sx * 4;
            for (int x = 0; x < w; x++) {
                row[x*4 + 0] = in[x*4 + 2];
                row[x*4 + 1] = in[x*4 + 1];
                row[x*4 + 2] = in[x*4 + 0];
                row[x*4 + 3] = 255;
            }
            continue;
        }
        for (int x = 0; x < w; x++) {
            unsigned long pixel = XGetPixel(src, sx + x, sy + y);
            if (bpp == 32 || bpp == 24) {
                row[x*4 + 0] = (pixel >> 16) & 0xFF;
                row[x*4 + 1] = (pixel >> 8) & 0xFF;
                row[x*4 + 2] = pixel & 0xFF;
            } else {
                row[x*4 + 0] = ((pixel >> 11) & 0x1F) * 255 / 31;
                row[x*4 + 1] = ((pixel >> 5) & 0x3F) * 255 / 63;
                row[x*4 + 2] = (pixel & 0x1F) * 255 / 31;
            }
            row[x*4 + 3] = 255;
        }
    }
}

static GrabResult x11Grab(int x, int y, int w, int h) {
    GrabResult r = {0};
    int rc = x11Open();
    if (rc != 0) {
        r.error = rc;
        return r;
    }
    if (x < 0 || y < 0 || w <= 0 || h <= 0 || x + w > g_x11.width || y + h > g_x11.height) {
        r.error = 5;
        return r;
    }

    r.data = malloc((size_t)w * h * 4);
    if (r.data == NULL) {
        r.error = 4;
        return r;
    }
    r.width = w;
    r.height = h;

    if (g_x11.useShm) {
        if (!XShmGetImage(g_x11.display, g_x11.root, g_x11.shmImage, 0, 0, AllPlanes)) {
            free(r.data);
            r.data = NULL;
            r.error = 2;
            return r;
        }
        convertRegion(g_x11.shmImage, x, y, w, h, r.data);
        return r;
    }

    XImage* img = XGetImage(g_x11.display, g_x11.root, x, y, w, h, AllPlanes, ZPixmap);
    if (img == NULL) {
        free(r.data);
        r.data = NULL;
        r.error = 3;
        return r;
    }
    convertRegion(img, 0, 0, w, h, r.data);
    XDestroyImage(img);
    return r;
}

static void x11Bounds(int* w, int* h, int* err) {
    *err = x11Open();
    if (*err == 0) {
        *w = g_x11.width;
        *h = g_x11.height;
    }
}

// x11Cursor returns the cursor bitmap as premultiplied RGBA with its
// top-left corner in screen coordinates.
static CursorResult x11Cursor() {
    CursorResult r = {0};
    int rc = x11Open();
    if (rc != 0) {
        r.error = rc;
        return r;
    }
    if (!g_x11.hasFixes) {
        r.error = 6;
        return r;
    }
    XFixesCursorImage* ci = XFixesGetCursorImage(g_x11.display);
    if (ci == NULL) {
        r.error = 7;
        return r;
    }
    r.width = ci->width;
    r.height = ci->height;
    r.x = ci->x - ci->xhot;
    r.y = ci->y - ci->yhot;
    r.data = malloc((size_t)r.width * r.height * 4);
    if (r.data == NULL) {
        XFree(ci);
        r.error = 4;
        return r;
    }
    unsigned char* dst = r.data;
    for (int i = 0; i < r.width * r.height; i++) {
        unsigned long p = ci->pixels[i];
        dst[i*4 + 0] = (p >> 16) & 0xFF;
        dst[i*4 + 1] = (p >> 8) & 0xFF;
        dst[i*4 + 2] = p & 0xFF;
        dst[i*4 + 3] = (p >> 24) & 0xFF;
    }
    XFree(ci);
    return r;
}
*/
import "C"

import (
	"fmt"
	"image"
	"sync"
	"unsafe"
)

// x11Source captures from the default X screen, with XShm when available.
type x11Source struct {
	mu sync.Mutex
}

func newPlatformSource() (FrameSource, error) {
	s := &x11Source{}
	if _, _, err := s.bounds(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *x11Source) Grab(region image.Rectangle) (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := C.x11Grab(C.int(region.Min.X), C.int(region.Min.Y), C.int(region.Dx()), C.int(region.Dy()))
	if r.error != 0 {
		return nil, &CaptureError{Region: region, Err: translateX11Error(int(r.error))}
	}
	defer C.free(r.data)

	w, h := int(r.width), int(r.height)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, unsafe.Slice((*byte)(r.data), w*h*4))
	return img, nil
}

func (s *x11Source) bounds() (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var w, h, e C.int
	C.x11Bounds(&w, &h, &e)
	if e != 0 {
		return 0, 0, translateX11Error(int(e))
	}
	return int(w), int(h), nil
}

// Monitors reports the X screen as a single capture region.
func (s *x11Source) Monitors() ([]MonitorDescriptor, error) {
	w, h, err := s.bounds()
	if err != nil {
		return nil, err
	}
	return []MonitorDescriptor{{ID: 0, Name: "X11 screen", Width: w, Height: h, IsPrimary: true}}, nil
}

// Cursor implements CursorSource via XFixes.
func (s *x11Source) Cursor() (CursorImage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := C.x11Cursor()
	if r.error != 0 {
		return CursorImage{}, false, translateX11Error(int(r.error))
	}
	defer C.free(r.data)

	w, h := int(r.width), int(r.height)
	if w == 0 || h == 0 {
		return CursorImage{}, false, nil
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, unsafe.Slice((*byte)(r.data), w*h*4))
	return CursorImage{Image: img, X: int(r.x), Y: int(r.y)}, true, nil
}

func (s *x11Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	C.x11Close()
	return nil
}

func translateX11Error(code int) error {
	switch code {
	case 1:
		return fmt.Errorf("%w: failed to open X11 display (is DISPLAY set?)", ErrDisplayNotFound)
	case 2:
		return fmt.Errorf("XShmGetImage failed")
	case 3:
		return fmt.Errorf("XGetImage failed")
	case 4:
		return fmt.Errorf("memory allocation failed")
	case 5:
		return ErrInvalidRegion
	case 6:
		return fmt.Errorf("%w: XFixes extension unavailable", ErrNotSupported)
	case 7:
		return fmt.Errorf("XFixesGetCursorImage failed")
	default:
		return fmt.Errorf("unknown X11 capture error: %d", code)
	}
}
